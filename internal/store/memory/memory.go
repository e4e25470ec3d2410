// Package memory is an in-process Store for tests and single-node dev runs.
// Update works on a private copy of the data and swaps it in only when fn
// succeeds, so a failed unit of work leaves no trace.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

var errReadOnly = errors.New("memory store: write in read-only unit of work")

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu     sync.RWMutex
	data   *data
	closed bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{data: newData()}
}

type data struct {
	users    map[string]*licensing.User
	licenses map[string]*licensing.License
	subs     map[string]*licensing.Subscription
	members  map[string]map[string]licensing.UserSubscription
	payments map[string]*licensing.Payment
	keys     map[string]*licensing.PendingActivationKey
	audit    []licensing.AuditEntry
}

func newData() *data {
	return &data{
		users:    make(map[string]*licensing.User),
		licenses: make(map[string]*licensing.License),
		subs:     make(map[string]*licensing.Subscription),
		members:  make(map[string]map[string]licensing.UserSubscription),
		payments: make(map[string]*licensing.Payment),
		keys:     make(map[string]*licensing.PendingActivationKey),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range d.licenses {
		c.licenses[k] = v.Clone()
	}
	for k, v := range d.subs {
		c.subs[k] = v.Clone()
	}
	for k, rows := range d.members {
		m := make(map[string]licensing.UserSubscription, len(rows))
		for uid, row := range rows {
			m[uid] = row.Clone()
		}
		c.members[k] = m
	}
	for k, v := range d.payments {
		c.payments[k] = v.Clone()
	}
	for k, v := range d.keys {
		c.keys[k] = v.Clone()
	}
	c.audit = append([]licensing.AuditEntry(nil), d.audit...)
	return c
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed: %w", store.ErrUnavailable)
	}

	staged := s.data.clone()
	if err := fn(&tx{d: staged}); err != nil {
		return err
	}
	s.data = staged
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("memory store closed: %w", store.ErrUnavailable)
	}
	return fn(&tx{d: s.data, readOnly: true})
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type tx struct {
	d        *data
	readOnly bool
}

func (t *tx) write() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *tx) Users() store.UserRepo                 { return users{t} }
func (t *tx) Licenses() store.LicenseRepo           { return licenses{t} }
func (t *tx) Subscriptions() store.SubscriptionRepo { return subscriptions{t} }
func (t *tx) Payments() store.PaymentRepo           { return payments{t} }
func (t *tx) ActivationKeys() store.ActivationKeyRepo {
	return activationKeys{t}
}
func (t *tx) Audit() store.AuditRepo { return audit{t} }

type users struct{ t *tx }

func (r users) Get(_ context.Context, id string) (*licensing.User, error) {
	if u, ok := r.t.d.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (r users) GetByUsername(_ context.Context, username string) (*licensing.User, error) {
	for _, u := range r.t.d.users {
		if username != "" && u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r users) GetByEmail(_ context.Context, email string) (*licensing.User, error) {
	for _, u := range r.t.d.users {
		if email != "" && u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (r users) Put(_ context.Context, u *licensing.User) error {
	if err := r.t.write(); err != nil {
		return err
	}
	c := *u
	r.t.d.users[u.ID] = &c
	return nil
}

type licenses struct{ t *tx }

func (r licenses) Get(_ context.Context, id string) (*licensing.License, error) {
	return r.t.d.licenses[id].Clone(), nil
}

func (r licenses) GetByUserID(_ context.Context, userID string) (*licensing.License, error) {
	if userID == "" {
		return nil, nil
	}
	for _, l := range r.t.d.licenses {
		if l.UserID == userID {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (r licenses) GetByKey(_ context.Context, key string) (*licensing.License, error) {
	for _, l := range r.t.d.licenses {
		if key != "" && l.Key == key {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (r licenses) FindUnbound(_ context.Context, username, email string) (*licensing.License, error) {
	var match *licensing.License
	for _, l := range r.t.d.licenses {
		if l.UserID != "" {
			continue
		}
		if (username != "" && l.Username == username) || (email != "" && l.Email == email) {
			if match == nil || l.CreatedAt.Before(match.CreatedAt) {
				match = l
			}
		}
	}
	return match.Clone(), nil
}

func (r licenses) Create(_ context.Context, l *licensing.License) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.licenses[l.ID]; ok {
		return fmt.Errorf("license %s exists: %w", l.ID, store.ErrConflict)
	}
	for _, other := range r.t.d.licenses {
		if other.Key == l.Key {
			return fmt.Errorf("license key exists: %w", store.ErrConflict)
		}
		if l.UserID != "" && other.UserID == l.UserID {
			return fmt.Errorf("user %s already has a license: %w", l.UserID, store.ErrConflict)
		}
	}
	l.Version = 1
	r.t.d.licenses[l.ID] = l.Clone()
	return nil
}

func (r licenses) Update(_ context.Context, l *licensing.License) error {
	if err := r.t.write(); err != nil {
		return err
	}
	cur, ok := r.t.d.licenses[l.ID]
	if !ok || cur.Version != l.Version {
		return fmt.Errorf("license %s version %d: %w", l.ID, l.Version, store.ErrConflict)
	}
	for id, other := range r.t.d.licenses {
		if id == l.ID {
			continue
		}
		if other.Key == l.Key || (l.UserID != "" && other.UserID == l.UserID) {
			return fmt.Errorf("license %s unique violation: %w", l.ID, store.ErrConflict)
		}
	}
	l.Version++
	r.t.d.licenses[l.ID] = l.Clone()
	return nil
}

func (r licenses) List(_ context.Context, f store.LicenseFilter) ([]*licensing.License, error) {
	out := make([]*licensing.License, 0, len(r.t.d.licenses))
	for _, l := range r.t.d.licenses {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r licenses) ListExpiryCandidates(_ context.Context, now time.Time) ([]string, error) {
	var ids []string
	for _, l := range r.t.d.licenses {
		switch {
		case l.Status == licensing.LicenseTrial:
			ids = append(ids, l.ID)
		case l.Status == licensing.LicenseActive && l.ValidUntil != nil && l.ValidUntil.Before(now):
			ids = append(ids, l.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type subscriptions struct{ t *tx }

func (r subscriptions) Get(_ context.Context, id string) (*licensing.Subscription, error) {
	return r.t.d.subs[id].Clone(), nil
}

func (r subscriptions) GetByTxid(_ context.Context, txid string) (*licensing.Subscription, error) {
	if txid == "" {
		return nil, nil
	}
	for _, s := range r.t.d.subs {
		if s.Txid == txid {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (r subscriptions) Create(_ context.Context, s *licensing.Subscription) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.subs[s.ID]; ok {
		return fmt.Errorf("subscription %s exists: %w", s.ID, store.ErrConflict)
	}
	s.Version = 1
	r.t.d.subs[s.ID] = s.Clone()
	return nil
}

func (r subscriptions) Update(_ context.Context, s *licensing.Subscription) error {
	if err := r.t.write(); err != nil {
		return err
	}
	cur, ok := r.t.d.subs[s.ID]
	if !ok || cur.Version != s.Version {
		return fmt.Errorf("subscription %s version %d: %w", s.ID, s.Version, store.ErrConflict)
	}
	s.Version++
	r.t.d.subs[s.ID] = s.Clone()
	return nil
}

func (r subscriptions) List(_ context.Context, state licensing.SubscriptionState) ([]*licensing.Subscription, error) {
	out := make([]*licensing.Subscription, 0, len(r.t.d.subs))
	for _, s := range r.t.d.subs {
		if state != "" && s.Status != state {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r subscriptions) ListDue(_ context.Context, before time.Time) ([]string, error) {
	var ids []string
	for _, s := range r.t.d.subs {
		if s.Status != licensing.SubStateActive && s.Status != licensing.SubStateExpiringSoon {
			continue
		}
		if s.ExpiresAt != nil && !s.ExpiresAt.After(before) {
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r subscriptions) Members(_ context.Context, subscriptionID string) ([]licensing.UserSubscription, error) {
	rows := r.t.d.members[subscriptionID]
	out := make([]licensing.UserSubscription, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r subscriptions) PutMember(_ context.Context, m licensing.UserSubscription) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.subs[m.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %s: %w", m.SubscriptionID, store.ErrConflict)
	}
	rows, ok := r.t.d.members[m.SubscriptionID]
	if !ok {
		rows = make(map[string]licensing.UserSubscription)
		r.t.d.members[m.SubscriptionID] = rows
	}
	rows[m.UserID] = m.Clone()
	return nil
}

type payments struct{ t *tx }

func (r payments) Get(_ context.Context, id string) (*licensing.Payment, error) {
	return r.t.d.payments[id].Clone(), nil
}

func (r payments) GetByTxid(_ context.Context, txid string) (*licensing.Payment, error) {
	if txid == "" {
		return nil, nil
	}
	for _, p := range r.t.d.payments {
		if p.Txid == txid {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (r payments) Create(_ context.Context, p *licensing.Payment) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.payments[p.ID]; ok {
		return fmt.Errorf("payment %s exists: %w", p.ID, store.ErrConflict)
	}
	for _, other := range r.t.d.payments {
		if p.Txid != "" && other.Txid == p.Txid {
			return fmt.Errorf("payment txid exists: %w", store.ErrConflict)
		}
	}
	p.Version = 1
	r.t.d.payments[p.ID] = p.Clone()
	return nil
}

func (r payments) Update(_ context.Context, p *licensing.Payment) error {
	if err := r.t.write(); err != nil {
		return err
	}
	cur, ok := r.t.d.payments[p.ID]
	if !ok || cur.Version != p.Version {
		return fmt.Errorf("payment %s version %d: %w", p.ID, p.Version, store.ErrConflict)
	}
	p.Version++
	r.t.d.payments[p.ID] = p.Clone()
	return nil
}

func (r payments) ListUnreconciled(_ context.Context) ([]string, error) {
	var ids []string
	for _, p := range r.t.d.payments {
		if p.Status == licensing.PaymentPaid && p.ReconciledAt == nil {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type activationKeys struct{ t *tx }

func (r activationKeys) Get(_ context.Context, key string) (*licensing.PendingActivationKey, error) {
	return r.t.d.keys[key].Clone(), nil
}

func (r activationKeys) Create(_ context.Context, k *licensing.PendingActivationKey) error {
	if err := r.t.write(); err != nil {
		return err
	}
	if _, ok := r.t.d.keys[k.LicenseKey]; ok {
		return fmt.Errorf("activation key exists: %w", store.ErrConflict)
	}
	k.Version = 1
	r.t.d.keys[k.LicenseKey] = k.Clone()
	return nil
}

func (r activationKeys) Update(_ context.Context, k *licensing.PendingActivationKey) error {
	if err := r.t.write(); err != nil {
		return err
	}
	cur, ok := r.t.d.keys[k.LicenseKey]
	if !ok || cur.Version != k.Version {
		return fmt.Errorf("activation key version %d: %w", k.Version, store.ErrConflict)
	}
	k.Version++
	r.t.d.keys[k.LicenseKey] = k.Clone()
	return nil
}

func (r activationKeys) List(_ context.Context, status licensing.ActivationKeyStatus) ([]*licensing.PendingActivationKey, error) {
	out := make([]*licensing.PendingActivationKey, 0, len(r.t.d.keys))
	for _, k := range r.t.d.keys {
		if status != "" && k.Status != status {
			continue
		}
		out = append(out, k.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

type audit struct{ t *tx }

func (r audit) Append(_ context.Context, e licensing.AuditEntry) error {
	if err := r.t.write(); err != nil {
		return err
	}
	r.t.d.audit = append(r.t.d.audit, e)
	return nil
}

func (r audit) List(_ context.Context, entityType, entityID string, limit int) ([]licensing.AuditEntry, error) {
	var out []licensing.AuditEntry
	for i := len(r.t.d.audit) - 1; i >= 0; i-- {
		e := r.t.d.audit[i]
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
