package storage

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the retention sweep nightly at 03:30.
const DefaultPurgeSchedule = "30 3 * * *"

// Compactor drives the periodic retention sweep over location history.
type Compactor struct {
	store    HistoryStore
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	logger   *log.Logger
}

// NewCompactor builds a compactor on the given schedule. An empty schedule
// uses the default.
func NewCompactor(store HistoryStore, schedule string) (*Compactor, error) {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	c := &Compactor{
		store:    store,
		cron:     cron.New(),
		schedule: schedule,
		logger:   log.New(log.Writer(), "[Compactor] ", log.LstdFlags),
	}
	id, err := c.cron.AddFunc(schedule, c.run)
	if err != nil {
		return nil, err
	}
	c.entryID = id
	return c, nil
}

// Start begins the schedule.
func (c *Compactor) Start() { c.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Compactor) Stop() {
	<-c.cron.Stop().Done()
}

// RunNow executes one sweep synchronously; used at startup and in admin
// paths.
func (c *Compactor) RunNow(ctx context.Context) (int64, error) {
	return c.store.PurgeExpired(ctx)
}

func (c *Compactor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := c.store.PurgeExpired(ctx)
	if err != nil {
		c.logger.Printf("retention sweep failed: %v", err)
		return
	}
	c.logger.Printf("retention sweep removed %d rows", n)
}
