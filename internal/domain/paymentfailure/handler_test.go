package paymentfailure

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTracker_RaiseAndResolve(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(reg)
	ctx := context.Background()

	_ = tr.HandleMonitoringFailure(ctx, "5077125051", "gateway timeout")
	_ = tr.HandleMonitoringFailure(ctx, "5077125051", "gateway timeout")
	_ = tr.HandlePaymentFailure(ctx, "5077125052", "expired", "payment failed during monitoring")

	open := tr.Open()
	if len(open) != 2 {
		t.Fatalf("expected 2 open escalations, got %d", len(open))
	}
	for _, e := range open {
		if e.PaymentID == "5077125051" && e.Occurrences != 2 {
			t.Fatalf("expected 2 occurrences, got %d", e.Occurrences)
		}
	}

	_ = tr.ResolveFailure(ctx, "5077125051", "credits allocated")
	if len(tr.Open()) != 1 {
		t.Fatalf("expected 1 open escalation after resolve")
	}

	if got := testutil.ToFloat64(tr.total.WithLabelValues("monitoring", "raised")); got != 2 {
		t.Fatalf("expected 2 monitoring escalations, got %v", got)
	}
	if got := testutil.ToFloat64(tr.total.WithLabelValues("monitoring", "resolved")); got != 1 {
		t.Fatalf("expected 1 resolution, got %v", got)
	}
}

func TestTracker_ResolveUnknownIsNoop(t *testing.T) {
	tr := NewTracker(nil)
	if err := tr.ResolveFailure(context.Background(), "1234567", "none"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
