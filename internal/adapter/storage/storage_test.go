package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"github.com/rs/zerolog"
)

func TestAuditStore_AppendAndList(t *testing.T) {
	store, err := OpenAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	msg := "device meter-1 unreachable"
	warn := "verification mismatch: coil 0 reads OFF, expected ON"

	entries := []domain.AuditEntry{
		{ID: "a1", RequestID: "r1", DeviceID: "meter-1", ControlTarget: "do1", Action: "on",
			Status: domain.ControlSuccess, Tier: domain.TierHardware, Warning: &warn, RequestedAt: base, ExecutedAt: base.Add(time.Second)},
		{ID: "a2", RequestID: "r1", DeviceID: "meter-1", ControlTarget: "do1", Action: "on",
			Status: domain.ControlFailed, Tier: domain.TierNone, ErrorMessage: &msg, RequestedAt: base, ExecutedAt: base.Add(2 * time.Second)},
		{ID: "a3", RequestID: "r3", DeviceID: "meter-2", ControlTarget: "relay1", Action: "off",
			Status: domain.ControlSuccess, Tier: domain.TierVirtual, RequestedAt: base, ExecutedAt: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		if err := store.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit(%s): %v", e.ID, err)
		}
	}

	got, err := store.ListByDevice(ctx, "meter-1", 0)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].ID != "a2" {
		t.Errorf("newest first: got %s", got[0].ID)
	}
	if got[0].ErrorMessage == nil || *got[0].ErrorMessage != msg {
		t.Errorf("ErrorMessage = %v", got[0].ErrorMessage)
	}
	if got[1].ErrorMessage != nil {
		t.Errorf("success entry should have nil ErrorMessage")
	}
	if got[1].Tier != domain.TierHardware {
		t.Errorf("Tier = %s", got[1].Tier)
	}
	if got[1].Verified || got[1].Warning == nil || *got[1].Warning != warn {
		t.Errorf("verified=%v warning=%v, want the mismatch warning kept", got[1].Verified, got[1].Warning)
	}
	if got[0].Warning != nil {
		t.Errorf("failed entry warning = %v", *got[0].Warning)
	}

	limited, err := store.ListByDevice(ctx, "meter-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit 1: %v, %d entries", err, len(limited))
	}

	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestAuditStore_DuplicateIDRejected(t *testing.T) {
	store, err := OpenAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditStore: %v", err)
	}
	defer store.Close()

	e := domain.AuditEntry{ID: "dup", DeviceID: "meter-1", Status: domain.ControlSuccess}
	if err := store.AppendAudit(context.Background(), e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.AppendAudit(context.Background(), e); err == nil {
		t.Error("second append with the same id should fail")
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestReadingHistory_WriteAndQuery(t *testing.T) {
	h, err := OpenReadingHistory(HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db")}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("OpenReadingHistory: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		batch := domain.ReadingBatch{
			ProjectID: "plant-a",
			DeviceID:  "meter-1",
			Values: map[string]*float64{
				"voltage_a": domain.Float(230 + float64(i)),
				"current_a": nil,
			},
			Meta:      map[string]domain.ReadingMeta{"voltage_a": {Unit: "V"}},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := h.PushReading(ctx, batch); err != nil {
			t.Fatalf("PushReading: %v", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := h.Recent(ctx, "meter-1", "voltage_a", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Value == nil || *got[0].Value != 232 {
		t.Errorf("newest value = %v, want 232", got[0].Value)
	}
	if got[0].Unit != "V" {
		t.Errorf("Unit = %q", got[0].Unit)
	}
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("Timestamp = %v", got[0].Timestamp)
	}

	nulls, err := h.Recent(ctx, "meter-1", "current_a", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(nulls) != 3 {
		t.Fatalf("got %d null samples, want 3", len(nulls))
	}
	for _, s := range nulls {
		if s.Value != nil {
			t.Errorf("failed read stored as %v, want null", *s.Value)
		}
	}
}

func TestReadingHistory_Prune(t *testing.T) {
	h, err := OpenReadingHistory(HistoryConfig{
		Path:      filepath.Join(t.TempDir(), "history.db"),
		Retention: time.Hour,
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("OpenReadingHistory: %v", err)
	}
	defer h.Close()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{now.Add(-2 * time.Hour), now.Add(-time.Minute)} {
		_ = h.PushReading(ctx, domain.ReadingBatch{
			DeviceID:  "meter-1",
			Values:    map[string]*float64{"freq": domain.Float(50)},
			Timestamp: ts,
		})
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err := h.Prune(ctx, now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestReadingHistory_PushAfterClose(t *testing.T) {
	h, err := OpenReadingHistory(HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db")}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("OpenReadingHistory: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.PushReading(context.Background(), domain.ReadingBatch{DeviceID: "meter-1"}); err == nil {
		t.Error("PushReading after Close should fail")
	}
}
