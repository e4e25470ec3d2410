package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rcourtman/pulse-license-engine/internal/errors"
	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/internal/store/memory"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu  sync.Mutex
	got []licensing.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n licensing.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) kinds() []licensing.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]licensing.NotificationKind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	store      store.Store
	clock      *licensing.ManualClock
	notes      *recordingNotifier
	deps       Deps
	licenses   *LicenseService
	activation *ActivationWorkflow
	scanner    *ExpiryScanner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		clock: licensing.NewManualClock(t0),
		notes: &recordingNotifier{},
	}
	h.deps = Deps{Store: h.store, Clock: h.clock, Notifier: h.notes, TrialDays: 30}.WithDefaults()
	h.activation = NewActivationWorkflow(h.deps)
	h.licenses = NewLicenseService(h.deps, h.activation)
	h.scanner = NewExpiryScanner(h.deps, h.licenses, nil)
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

func alice() licensing.User {
	return licensing.User{ID: "u-alice", Username: "alice", Email: "alice@example.com", Role: licensing.RoleUser}
}

func TestEnsureLicenseProvisionsTrialOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseTrial, first.Status)
	assert.NotEmpty(t, first.ActivationKey)

	second, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	trail, err := h.licenses.AuditTrail(ctx, "license", first.ID, 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "license.provisioned", trail[0].Action)
}

func TestEnsureLicenseRequiresUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.licenses.EnsureLicense(context.Background(), licensing.User{})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestSelfActivateWithIssuedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	out, err := h.licenses.SelfActivate(ctx, alice(), licensing.FormatKey(lic.ActivationKey), 30)
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, out.Status)
	require.NotNil(t, out.ValidUntil)
	assert.Equal(t, t0.Add(licensing.Days(30)), *out.ValidUntil)

	_, err = h.licenses.SelfActivate(ctx, alice(), "AK-USED-ALREADY", 30)
	assert.Equal(t, apperrors.CodeInvalidKey, apperrors.CodeOf(err), "the activation key is cleared once used")
}

func TestSelfActivateRejectsWrongKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	_, err = h.licenses.SelfActivate(ctx, alice(), "AK-NOT-THE-KEY", 0)
	assert.Equal(t, apperrors.CodeInvalidKey, apperrors.CodeOf(err))
	assert.Equal(t, apperrors.KindRejected, apperrors.KindOf(err))
}

func TestSelfActivateFallsBackToApprovedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	trial, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Username: "alice", ValidityDays: 365})
	require.NoError(t, err)

	out, err := h.licenses.SelfActivate(ctx, alice(), display, 0)
	require.NoError(t, err)
	assert.Equal(t, trial.ID, out.ID, "the trial license is superseded in place")
	assert.Equal(t, licensing.LicenseActive, out.Status)
	assert.Equal(t, licensing.NormalizeKey(display), out.Key)
	require.NotNil(t, out.ValidUntil)
	assert.Equal(t, t0.Add(licensing.Days(365)), *out.ValidUntil)
}

func TestConsumeTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Username: "alice"})
	require.NoError(t, err)

	lic, err := h.activation.Consume(ctx, display, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, lic.Status)
	assert.Nil(t, lic.ValidUntil)

	_, err = h.activation.Consume(ctx, display, "alice", "")
	assert.Equal(t, apperrors.CodeKeyAlreadyConsumed, apperrors.CodeOf(err))

	keys, err := h.activation.ListKeys(ctx, licensing.KeyActivated)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, lic.ID, keys[0].LicenseID)
}

func TestConcurrentConsumeYieldsOneLicense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Username: "bob", Email: "bob@example.com", ValidityDays: 30})
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]bool{}
		consumed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lic, err := h.activation.Consume(ctx, display, "bob", "bob@example.com")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				consumed++
				ids[lic.ID] = true
				return
			}
			if apperrors.CodeOf(err) != apperrors.CodeKeyAlreadyConsumed {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, consumed)
	assert.Len(t, ids, 1)

	all, err := h.licenses.ListLicenses(ctx, store.LicenseFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeferredBindingOnFirstAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Username: "alice"})
	require.NoError(t, err)
	unbound, err := h.activation.Consume(ctx, display, "", "")
	require.NoError(t, err)
	assert.Empty(t, unbound.UserID)

	bound, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, unbound.ID, bound.ID)
	assert.Equal(t, "u-alice", bound.UserID)
	assert.Equal(t, licensing.LicenseActive, bound.Status)
}

func TestConsumeDoesNotLeakOtherLicenses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	_, err = h.activation.Consume(ctx, lic.Key, "mallory", "")
	assert.Equal(t, apperrors.CodeKeyNotFound, apperrors.CodeOf(err))
}

func TestApprovedKeyIsBoundToItsUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Key: "CF30D_ABC", Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)

	_, err = h.activation.Consume(ctx, display, "bob", "")
	assert.Equal(t, apperrors.CodeKeyNotFound, apperrors.CodeOf(err))
	_, err = h.activation.Consume(ctx, display, "bob", "bob@example.com")
	assert.Equal(t, apperrors.CodeKeyNotFound, apperrors.CodeOf(err))

	bob := licensing.User{ID: "u-bob", Username: "bob", Email: "bob@example.com", Role: licensing.RoleUser}
	_, err = h.licenses.SelfActivate(ctx, bob, display, 0)
	require.Error(t, err)

	pending, err := h.activation.ListKeys(ctx, licensing.KeyPendingActivation)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the key stays claimable by its user")

	lic, err := h.activation.Consume(ctx, display, "", "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", lic.Username)
	assert.Equal(t, licensing.LicenseActive, lic.Status)
}

func TestApproveRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Key: "lk-abcd-efgh-jkmn", Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, licensing.FormatKey("LKABCDEFGHJKMN"), display)

	_, _, err = h.activation.Approve(ctx, "op", ApproveRequest{Key: "LKABCDEFGHJKMN", Username: "bob"})
	assert.Equal(t, apperrors.KindRejected, apperrors.KindOf(err))

	_, _, err = h.activation.Approve(ctx, "op", ApproveRequest{})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestRenewWithIssuedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	_, err = h.licenses.Activate(ctx, "op", "alice", lic.ActivationKey, 30)
	require.NoError(t, err)

	h.clock.Advance(licensing.Days(31))
	report, err := h.scanner.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LicensesExpired)

	renewal, err := h.licenses.IssueRenewalKey(ctx, "op", "alice")
	require.NoError(t, err)
	out, err := h.licenses.Renew(ctx, "u-alice", renewal, 0)
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseActive, out.Status)
	require.NotNil(t, out.ValidUntil)
	assert.Equal(t, h.clock.Now().Add(licensing.Days(30)), *out.ValidUntil, "plan days fall back to the catalog default")
}

func TestBlockAndSuspendByUsername(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)
	_, err = h.licenses.Suspend(ctx, "op", "alice")
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(err), "a trial cannot be suspended")

	_, err = h.licenses.Activate(ctx, "op", "alice", lic.ActivationKey, 0)
	require.NoError(t, err)
	out, err := h.licenses.Suspend(ctx, "op", "alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseSuspended, out.Status)

	out, err = h.licenses.Block(ctx, "op", "alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.LicenseBlocked, out.Status)

	_, err = h.licenses.Block(ctx, "op", "nobody")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestValidateKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lic, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	got, err := h.licenses.ValidateKey(ctx, licensing.FormatKey(lic.Key))
	require.NoError(t, err)
	assert.Equal(t, KeyValidation{Valid: true, State: "trial"}, got)

	_, display, err := h.activation.Approve(ctx, "op", ApproveRequest{Username: "carol"})
	require.NoError(t, err)
	got, err = h.licenses.ValidateKey(ctx, display)
	require.NoError(t, err)
	assert.Equal(t, KeyValidation{Valid: true, State: "pending_activation"}, got)

	got, err = h.licenses.ValidateKey(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Equal(t, KeyValidation{State: "unknown"}, got)
}

func TestAccessFollowsLicense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.licenses.EnsureLicense(ctx, alice())
	require.NoError(t, err)

	report, err := h.licenses.Access(ctx, "u-alice", licensing.RoleUser)
	require.NoError(t, err)
	require.NotNil(t, report.Snapshot)
	assert.Equal(t, licensing.LicenseTrial, report.Snapshot.Status)

	ok, err := h.licenses.CanAccess(ctx, "nobody", licensing.RoleSuperAdmin, licensing.KnownFeatures()[0])
	require.NoError(t, err)
	assert.True(t, ok)
}
