package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/models"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
)

// Runner triggers sync runs. Satisfied by *Orchestrator.
type Runner interface {
	RunAccount(ctx context.Context, accountID, trigger string) (*models.SyncRun, error)
}

// Scheduler polls for due accounts and hands them to a bounded worker pool.
// Per-account serialization is the orchestrator's run lock; the scheduler
// simply ignores ErrRunInProgress.
type Scheduler struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	runner  Runner
	every   time.Duration
	workers int
	logger  logging.Logger
}

func NewScheduler(db *sql.DB, repos repomanager.RepositoryManager, runner Runner,
	every time.Duration, workers int, logger logging.Logger) *Scheduler {
	if every <= 0 {
		every = time.Minute
	}
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		db:      db,
		repos:   repos,
		runner:  runner,
		every:   every,
		workers: workers,
		logger:  logger.With("component", "scheduler"),
	}
}

// Run blocks until ctx is cancelled, dispatching due accounts on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	jobs := make(chan string)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if _, err := s.runner.RunAccount(ctx, id, "schedule"); err != nil &&
					!errors.Is(err, common.ErrRunInProgress) {
					s.logger.Error(ctx, "scheduled run failed", "account_id", id, "error", err)
				}
			}
		}()
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case now := <-ticker.C:
			s.dispatch(ctx, now, jobs)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time, jobs chan<- string) {
	accounts, err := s.repos.Accounts(s.db).List(ctx, false)
	if err != nil {
		s.logger.Error(ctx, "failed to list accounts", "error", err)
		return
	}
	for _, a := range accounts {
		if !a.Due(now) {
			continue
		}
		select {
		case jobs <- a.ID:
		case <-ctx.Done():
			return
		}
	}
}
