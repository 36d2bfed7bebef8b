package cron

import (
	"fmt"
	"log"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/chronicler/internal/config"
	"github.com/stellarlinkco/chronicler/internal/memory"
)

// Service runs the periodic housekeeping jobs: today that is pruning the
// failed queue area down to the configured retention.
type Service struct {
	cfg  config.Getter
	svc  *memory.Service
	cron *rcron.Cron
}

func NewService(cfg config.Getter, svc *memory.Service) *Service {
	return &Service{cfg: cfg, svc: svc}
}

// Start registers the housekeeping schedule and launches the scheduler. The
// schedule expression is fixed at startup; changing it takes a restart.
func (s *Service) Start() error {
	s.cron = rcron.New()

	schedule := config.DefaultHousekeepSchedule
	if snap := s.cfg(); snap != nil && snap.Memory.HousekeepSchedule != "" {
		schedule = snap.Memory.HousekeepSchedule
	}

	if _, err := s.cron.AddFunc(schedule, s.housekeep); err != nil {
		return fmt.Errorf("register housekeeping job (%s): %w", schedule, err)
	}

	s.cron.Start()
	log.Printf("[cron] started, housekeeping schedule %s", schedule)
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	log.Printf("[cron] stopped")
}

func (s *Service) housekeep() {
	if removed := s.svc.PruneFailed(); removed > 0 {
		log.Printf("[cron] pruned %d failed jobs", removed)
	}
}
