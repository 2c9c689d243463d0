package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Scheduler ticks the engine on a fixed interval. Overlapping ticks
// are harmless; the campaign claim keeps dispatch exactly-once.
type Scheduler struct {
	cron   *cron.Cron
	engine *Engine
	log    waLog.Logger
}

// NewScheduler creates a scheduler that runs due campaigns every
// interval.
func NewScheduler(engine *Engine, interval time.Duration, log waLog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		engine: engine,
		log:    log.Sub("Scheduler"),
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.tick); err != nil {
		return nil, fmt.Errorf("register dispatch tick: %w", err)
	}
	return s, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infof("Dispatch scheduler started")
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Infof("Dispatch scheduler stopped")
}

func (s *Scheduler) tick() {
	if err := s.engine.RunDueCampaigns(context.Background()); err != nil {
		s.log.Errorf("Dispatch tick: %v", err)
	}
}
