package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// PaymentResumer finishes payments that were marked paid but whose
// subscription cascade never committed.
type PaymentResumer interface {
	ResumeUnreconciled(ctx context.Context) (int, error)
}

// ScanReport summarizes one scanner pass.
type ScanReport struct {
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
	TrialsBlocked         int           `json:"trials_blocked"`
	LicensesExpired       int           `json:"licenses_expired"`
	SubscriptionsExpiring int           `json:"subscriptions_expiring"`
	SubscriptionsExpired  int           `json:"subscriptions_expired"`
	PaymentsResumed       int           `json:"payments_resumed"`
	Errors                int           `json:"errors"`
	// Interrupted is set when ctx ended mid-pass. The counts cover the rows
	// handled before that; the next pass picks up the rest.
	Interrupted bool `json:"interrupted"`
}

// ExpiryScanner applies time-based transitions. Every row is re-read and
// re-checked inside its own unit of work, so passes may overlap, be cut
// short or repeat without applying a crossing twice.
type ExpiryScanner struct {
	deps     Deps
	licenses *LicenseService
	payments PaymentResumer

	mu      sync.Mutex
	running bool
}

// NewExpiryScanner creates a scanner. payments may be nil.
func NewExpiryScanner(deps Deps, licenses *LicenseService, payments PaymentResumer) *ExpiryScanner {
	deps = deps.WithDefaults()
	if licenses == nil {
		licenses = NewLicenseService(deps, nil)
	}
	return &ExpiryScanner{deps: deps, licenses: licenses, payments: payments}
}

// Run scans once immediately and then every interval until ctx is done.
func (s *ExpiryScanner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Info().Dur("interval", interval).Msg("Expiry scanner started")

	s.runLogged(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runLogged(ctx)
		case <-ctx.Done():
			log.Info().Msg("Expiry scanner stopped")
			return
		}
	}
}

func (s *ExpiryScanner) runLogged(ctx context.Context) {
	report, err := s.ScanOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Expiry scan failed")
		return
	}
	ev := log.Debug()
	if report.changed() > 0 || report.Errors > 0 {
		ev = log.Info()
	}
	ev.Int("trials_blocked", report.TrialsBlocked).
		Int("licenses_expired", report.LicensesExpired).
		Int("subscriptions_expiring", report.SubscriptionsExpiring).
		Int("subscriptions_expired", report.SubscriptionsExpired).
		Int("payments_resumed", report.PaymentsResumed).
		Int("errors", report.Errors).
		Bool("interrupted", report.Interrupted).
		Dur("duration", report.Duration).
		Msg("Expiry scan complete")
}

func (r ScanReport) changed() int {
	return r.TrialsBlocked + r.LicensesExpired + r.SubscriptionsExpiring + r.SubscriptionsExpired + r.PaymentsResumed
}

// ScanOnce runs a single pass. Failures on individual rows are logged and
// counted in the report; only failing to list candidates is returned as an
// error. Overlapping calls are skipped and return an empty report.
func (s *ExpiryScanner) ScanOnce(ctx context.Context) (ScanReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Debug().Msg("Expiry scan already running, skipping")
		return ScanReport{StartedAt: s.deps.Clock.Now()}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	report := ScanReport{StartedAt: s.deps.Clock.Now()}
	err := s.scan(ctx, &report)
	report.Duration = time.Since(start)
	metrics.ScanDuration.Observe(report.Duration.Seconds())

	switch {
	case err != nil:
		metrics.ScanRunsTotal.WithLabelValues("error").Inc()
	case report.Interrupted:
		metrics.ScanRunsTotal.WithLabelValues("interrupted").Inc()
	default:
		metrics.ScanRunsTotal.WithLabelValues("ok").Inc()
	}
	return report, err
}

func (s *ExpiryScanner) scan(ctx context.Context, report *ScanReport) error {
	now := s.deps.Clock.Now()

	var (
		licenseIDs []string
		subIDs     []string
	)
	err := s.deps.View(ctx, "scanner.list", func(tx store.Tx) error {
		var err error
		if licenseIDs, err = tx.Licenses().ListExpiryCandidates(ctx, now); err != nil {
			return err
		}
		subIDs, err = tx.Subscriptions().ListDue(ctx, now.Add(s.deps.Lookahead))
		return err
	})
	if err != nil {
		return err
	}

	for _, id := range licenseIDs {
		if ctx.Err() != nil {
			report.Interrupted = true
			return nil
		}
		changed, to, err := s.licenses.ObserveExpiry(ctx, id)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("license_id", id).Msg("Expiry scan: license failed")
			continue
		}
		if !changed {
			continue
		}
		switch to {
		case licensing.LicenseBlocked:
			report.TrialsBlocked++
			metrics.ScanTransitionsTotal.WithLabelValues("trial_blocked").Inc()
		case licensing.LicenseExpired:
			report.LicensesExpired++
			metrics.ScanTransitionsTotal.WithLabelValues("license_expired").Inc()
		}
	}

	for _, id := range subIDs {
		if ctx.Err() != nil {
			report.Interrupted = true
			return nil
		}
		to, err := s.tickSubscription(ctx, id)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("subscription_id", id).Msg("Expiry scan: subscription failed")
			continue
		}
		switch to {
		case licensing.SubStateExpiringSoon:
			report.SubscriptionsExpiring++
			metrics.ScanTransitionsTotal.WithLabelValues("subscription_expiring").Inc()
		case licensing.SubStateExpired:
			report.SubscriptionsExpired++
			metrics.ScanTransitionsTotal.WithLabelValues("subscription_expired").Inc()
		}
	}

	if s.payments != nil && ctx.Err() == nil {
		n, err := s.payments.ResumeUnreconciled(ctx)
		report.PaymentsResumed += n
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Msg("Expiry scan: resuming payments failed")
		}
		if n > 0 {
			metrics.ScanTransitionsTotal.WithLabelValues("payment_resumed").Add(float64(n))
		}
	}
	if ctx.Err() != nil {
		report.Interrupted = true
	}
	return nil
}

// tickSubscription expires or flags one subscription. It returns the new
// state when a transition was committed and "" otherwise.
func (s *ExpiryScanner) tickSubscription(ctx context.Context, id string) (licensing.SubscriptionState, error) {
	const op = "scanner.subscription"
	var located *licensing.Subscription
	if err := s.deps.View(ctx, op, func(tx store.Tx) error {
		var err error
		located, err = tx.Subscriptions().Get(ctx, id)
		return err
	}); err != nil || located == nil {
		return "", err
	}

	var c licensing.Cascade
	err := s.deps.Mutate(ctx, op, SubscriptionLocks(located), func(tx store.Tx) error {
		now := s.deps.Clock.Now()
		var err error
		c, _, err = ApplyCascade(ctx, tx, id, "", "", nil, now, s.expiryStep)
		return err
	})
	if err != nil || !c.Changed {
		return "", err
	}
	s.deps.Committed(ctx, c)
	return c.To, nil
}

// expiryStep lapses a subscription whose expiry has passed and otherwise
// applies the debounced expiring-soon flag.
func (s *ExpiryScanner) expiryStep(in licensing.CascadeInput, now time.Time) (licensing.Cascade, error) {
	if exp := in.Subscription.ExpiresAt; exp != nil && now.After(*exp) {
		return licensing.MarkExpired(in, now), nil
	}
	return licensing.MarkExpiringSoon(in, now, s.deps.Lookahead, s.deps.Cooldown), nil
}
