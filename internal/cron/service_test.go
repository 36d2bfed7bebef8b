package cron

import (
	"testing"

	"github.com/stellarlinkco/chronicler/internal/config"
	"github.com/stellarlinkco/chronicler/internal/memory"
)

func newTestMemoryService(t *testing.T, schedule string) (*memory.Service, config.Getter) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Memory.HousekeepSchedule = schedule
	cfg.Normalize()
	getter := func() *config.Config { return cfg }

	svc, err := memory.NewService(cfg.DataDir, getter,
		memory.NewModelClient(getter), memory.NewEmbedder(getter), nil)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc, getter
}

func TestServiceStartStop(t *testing.T) {
	svc, getter := newTestMemoryService(t, "@hourly")
	s := NewService(getter, svc)
	if err := s.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	s.Stop()
}

func TestServiceRejectsBadSchedule(t *testing.T) {
	svc, getter := newTestMemoryService(t, "not a schedule")
	s := NewService(getter, svc)
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule expression")
	}
}

func TestHousekeepOnEmptyQueue(t *testing.T) {
	svc, getter := newTestMemoryService(t, "@hourly")
	s := NewService(getter, svc)
	// Must be a no-op with nothing parked.
	s.housekeep()
}
