package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rcourtman/pulse-license-engine/internal/store"
	"github.com/rcourtman/pulse-license-engine/internal/store/storetest"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestViewRejectsWrites(t *testing.T) {
	s := New()
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.Users().Put(context.Background(), &licensing.User{ID: "u1"})
	})
	if !errors.Is(err, errReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	l, err := licensing.NewTrialLicense(licensing.User{ID: "u1"}, licensing.SystemClock{}.Now(), 30)
	if err != nil {
		t.Fatalf("NewTrialLicense: %v", err)
	}
	if err := s.Update(ctx, func(tx store.Tx) error { return tx.Licenses().Create(ctx, &l) }); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_ = s.View(ctx, func(tx store.Tx) error {
		got, _ := tx.Licenses().Get(ctx, l.ID)
		got.Status = licensing.LicenseBlocked
		return nil
	})
	_ = s.View(ctx, func(tx store.Tx) error {
		got, _ := tx.Licenses().Get(ctx, l.ID)
		if got.Status != licensing.LicenseTrial {
			t.Fatalf("stored record mutated through returned pointer: %s", got.Status)
		}
		return nil
	})
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := New()
	_ = s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Ping after Close = %v", err)
	}
	err := s.Update(context.Background(), func(store.Tx) error { return nil })
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("Update after Close = %v", err)
	}
}
