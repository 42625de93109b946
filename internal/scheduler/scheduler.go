// Package scheduler wires the daily advancement trigger.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"cadence/api/internal/app"
	"cadence/api/internal/runlock"

	"github.com/go-co-op/gocron/v2"
)

const runTimeout = 10 * time.Minute

// Start schedules the daily advancement run at the given UTC wall time
// ("HH:MM"). The lock may be nil; without it a double-fired trigger still
// converges because the run itself is idempotent.
func Start(svc *app.Service, lock *runlock.RedisLock, runAt string) (gocron.Scheduler, error) {
	hour, minute, err := parseRunAt(runAt)
	if err != nil {
		return nil, err
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0))),
		gocron.NewTask(func() {
			runOnce(svc, lock)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("register advancement job: %w", err)
	}

	s.Start()
	return s, nil
}

func runOnce(svc *app.Service, lock *runlock.RedisLock) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	today := time.Now().UTC()
	runDate := today.Format("2006-01-02")

	if lock != nil {
		acquired, err := lock.Acquire(ctx, runDate, 23*time.Hour)
		if err != nil {
			// Redis being down should not stop the batch; the engine
			// tolerates a duplicate run.
			log.Printf("run lock unavailable, continuing: %v", err)
		} else if !acquired {
			log.Printf("advancement for %s already ran, skipping", runDate)
			return
		}
	}

	summary, err := svc.RunDailyAdvancement(ctx, today, false)
	if err != nil {
		log.Printf("daily advancement failed: %v", err)
		if lock != nil {
			if releaseErr := lock.Release(ctx, runDate); releaseErr != nil {
				log.Printf("release run lock: %v", releaseErr)
			}
		}
		return
	}

	log.Printf("daily advancement %s: processed=%d advanced=%d expired=%d unchanged=%d failed=%d days_auto_skipped=%d",
		summary.RunDate,
		summary.Processed,
		summary.Advanced,
		summary.Expired,
		summary.Unchanged,
		summary.Failed,
		summary.DaysAutoSkipped,
	)
}

func parseRunAt(runAt string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(runAt), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("run time %q must be HH:MM", runAt)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("run time %q has an invalid hour", runAt)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("run time %q has an invalid minute", runAt)
	}
	return hour, minute, nil
}
