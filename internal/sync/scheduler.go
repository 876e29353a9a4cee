package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression such as "*/5 * * * *" or "@every 10m"
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler is the polling safety net for missed webhook deliveries. A tick is
// skipped while the previous SyncAll is still running.
type Scheduler struct {
	cron   *cron.Cron
	coord  *Coordinator
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(coord *Coordinator, expr string, log logrus.FieldLogger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		coord:  coord,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(expr, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	start := time.Now()
	results, err := s.coord.SyncAll(s.ctx)
	created := 0
	for _, r := range results {
		created += r.MessagesCreated
	}

	entry := s.log.WithFields(logrus.Fields{
		"mailboxes": len(results),
		"created":   created,
		"duration":  time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("scheduled sync finished with errors")
		return
	}
	entry.Info("scheduled sync completed")
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("entries", len(s.cron.Entries())).Info("sync scheduler started")
}

// Stop cancels a running tick and returns a context done once it has returned
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}
