package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rcourtman/pulse-license-engine/internal/metrics"
	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

type recorder struct {
	got []licensing.Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n licensing.Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received licensing.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type=%s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), licensing.Notification{Kind: licensing.NotifySubscriptionExpired, SubscriptionID: "s1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received.Kind != licensing.NotifySubscriptionExpired || received.SubscriptionID != "s1" {
		t.Fatalf("received=%+v", received)
	}
}

func TestWebhookNotifierNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), licensing.Notification{Kind: licensing.NotifyTrialExpired})
	if err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b := &recorder{}, &recorder{err: boom}
	err := Multi{a, nil, b}.Notify(context.Background(), licensing.Notification{Kind: licensing.NotifyLicenseExpired})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan-out missed a notifier: %d %d", len(a.got), len(b.got))
	}
}

func TestDeliverSwallowsFailures(t *testing.T) {
	kind := licensing.NotificationKind("test_deliver")
	before := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues(string(kind), "error"))

	r := &recorder{err: errors.New("down")}
	Deliver(context.Background(), r, []licensing.Notification{{Kind: kind}, {Kind: kind}})

	if len(r.got) != 2 {
		t.Fatalf("delivered %d, want 2", len(r.got))
	}
	after := testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues(string(kind), "error"))
	if after-before != 2 {
		t.Fatalf("error counter moved by %v, want 2", after-before)
	}
}

func TestLogNotifier(t *testing.T) {
	err := LogNotifier{}.Notify(context.Background(), licensing.Notification{
		Kind:          licensing.NotifyTrialExpired,
		ActivationKey: "AKSECRETSECRET12",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
