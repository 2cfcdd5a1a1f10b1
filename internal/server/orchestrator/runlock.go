package orchestrator

import (
	"fmt"
	"sync"

	"github.com/opsdesk/vaultsync/internal/common"
)

// RunLock serializes runs per account within this process. Different
// accounts may run concurrently; a second run for the same account is
// rejected, never queued.
type RunLock struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func NewRunLock() *RunLock {
	return &RunLock{running: make(map[string]struct{})}
}

// Acquire reserves the account for a run. Returns common.ErrRunInProgress
// when a run already holds it.
func (l *RunLock) Acquire(accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.running[accountID]; ok {
		return fmt.Errorf("%w: account %s", common.ErrRunInProgress, accountID)
	}
	l.running[accountID] = struct{}{}
	return nil
}

func (l *RunLock) Release(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, accountID)
}

// Held reports whether a run currently holds the account.
func (l *RunLock) Held(accountID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[accountID]
	return ok
}
