// Package maintenance runs the cron-scheduled store sampler: document
// counts and on-disk size are collected and logged on each tick so
// operators can watch growth without querying the store.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// Start launches the sampler if enabled. Returns a cancel func.
func Start(ctx context.Context, st *store.Store, enabled bool, cronExpr string) (context.CancelFunc, error) {
	if !enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}
	if cronExpr == "" {
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %s", cronExpr)
	}
	logger.Info("maintenance_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, st, cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, st *store.Store, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			sample(st)
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		}
	}
}

func sample(st *store.Store) {
	s := st.CollectStats()
	logger.Info("store_stats",
		"conversations", s.Conversations,
		"messages", s.Messages,
		"users", s.Users,
		"disk_bytes", s.DiskBytes,
	)
}
