package deployment

import (
	"errors"
	"sync"
)

// ErrInProgress is returned by Acquire when the repository already has a
// deployment running.
var ErrInProgress = errors.New("deployment already in progress")

// LockManager tracks which repositories have a deployment in flight.
//
// Locks never block: a second delivery for a busy repository is rejected
// rather than queued. Different repositories deploy independently.
type LockManager struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		inFlight: make(map[string]struct{}),
	}
}

// TryLock marks the repository as deploying. It returns false if it already is.
func (lm *LockManager) TryLock(repoName string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, busy := lm.inFlight[repoName]; busy {
		return false
	}
	lm.inFlight[repoName] = struct{}{}
	return true
}

// Unlock releases the repository. Releasing a repository that is not
// locked is a no-op.
func (lm *LockManager) Unlock(repoName string) {
	lm.mu.Lock()
	delete(lm.inFlight, repoName)
	lm.mu.Unlock()
}

// Acquire is TryLock returning ErrInProgress and a release func suitable
// for defer. The release func is idempotent.
func (lm *LockManager) Acquire(repoName string) (func(), error) {
	if !lm.TryLock(repoName) {
		return nil, ErrInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() { lm.Unlock(repoName) })
	}, nil
}

// Locked reports whether the repository currently has a deployment running.
func (lm *LockManager) Locked(repoName string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	_, busy := lm.inFlight[repoName]
	return busy
}
