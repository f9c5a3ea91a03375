package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.NotifySent == nil {
		t.Error("NotifySent is nil")
	}
	if m.NotifyRetried == nil {
		t.Error("NotifyRetried is nil")
	}
	if m.NotifyFailed == nil {
		t.Error("NotifyFailed is nil")
	}
	if m.EventsIngested == nil {
		t.Error("EventsIngested is nil")
	}
	if m.ClaimConflicts == nil {
		t.Error("ClaimConflicts is nil")
	}
	if m.CycleDuration == nil {
		t.Error("CycleDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	// Recording on noop instruments must not panic.
	m.NotifySent.Add(context.Background(), 1)
	m.CycleDuration.Record(context.Background(), 0.01)
}
