package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
)

// DefaultUpdateSchedule checks for updates every six hours
const DefaultUpdateSchedule = "0 */6 * * *"

// UpdateChecker is satisfied by Orchestrator
type UpdateChecker interface {
	CheckUpdates(ctx context.Context) ([]marketplace.Update, error)
}

// UpdateScheduler periodically checks the marketplace for newer versions of
// installed plugins
type UpdateScheduler struct {
	cron    *cron.Cron
	checker UpdateChecker
	timeout time.Duration
	log     *logrus.Logger

	mu   sync.RWMutex
	last []marketplace.Update
	ran  time.Time
}

// NewUpdateScheduler schedules checker on a standard five-field cron spec
func NewUpdateScheduler(schedule string, checker UpdateChecker, timeout time.Duration, log *logrus.Logger) (*UpdateScheduler, error) {
	if log == nil {
		log = logrus.New()
	}
	if schedule == "" {
		schedule = DefaultUpdateSchedule
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &UpdateScheduler{
		cron:    cron.New(),
		checker: checker,
		timeout: timeout,
		log:     log,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid update schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background
func (s *UpdateScheduler) Start() {
	s.cron.Start()
	s.log.Info("Started plugin update scheduler")
}

// Stop halts the schedule and waits for a running check
func (s *UpdateScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce checks for updates now and logs every available one
func (s *UpdateScheduler) RunOnce(ctx context.Context) []marketplace.Update {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	updates, err := s.checker.CheckUpdates(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Plugin update check failed")
		return nil
	}
	for _, u := range updates {
		s.log.WithFields(logrus.Fields{
			"plugin":    u.Name,
			"installed": u.Installed,
			"available": u.Available.Version,
		}).Info("Plugin update available")
	}
	if len(updates) == 0 {
		s.log.Debug("All plugins are up to date")
	}

	s.mu.Lock()
	s.last = updates
	s.ran = time.Now()
	s.mu.Unlock()
	return updates
}

// Last returns the result of the most recent check and when it ran
func (s *UpdateScheduler) Last() ([]marketplace.Update, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]marketplace.Update(nil), s.last...), s.ran
}
