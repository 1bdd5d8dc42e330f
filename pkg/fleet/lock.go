package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by Acquire when another owner holds the fleet.
var ErrLockHeld = errors.New("fleet lock held by another run")

// ErrLockLost is returned by Release when the token no longer matches.
var ErrLockLost = errors.New("fleet lock token does not match")

// Lock serializes fleet rebinds. A run acquires the lock before publishing
// its launch template and releases it once its job is submitted, so two runs
// sharing a compute environment never overwrite each other's template before
// their jobs are queued.
type Lock interface {
	// Acquire takes the lock for owner and returns a token. Acquiring a lock
	// the same owner already holds returns the existing token.
	Acquire(ctx context.Context, fleetID, owner string) (string, error)

	// Release frees the lock if token still matches.
	Release(ctx context.Context, fleetID, token string) error
}

type memoryLease struct {
	token    string
	owner    string
	acquired time.Time
}

// MemoryLock is an in-process Lock. Leases older than TTL may be taken over.
type MemoryLock struct {
	TTL time.Duration

	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

var _ Lock = (*MemoryLock)(nil)

// NewMemoryLock returns an empty lock table. ttl <= 0 disables takeover.
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	return &MemoryLock{TTL: ttl, leases: map[string]memoryLease{}, now: time.Now}
}

// Acquire implements Lock.
func (l *MemoryLock) Acquire(ctx context.Context, fleetID, owner string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[fleetID]; ok {
		if cur.owner == owner {
			return cur.token, nil
		}
		if l.TTL <= 0 || now.Sub(cur.acquired) < l.TTL {
			return "", ErrLockHeld
		}
	}

	token := uuid.NewString()
	l.leases[fleetID] = memoryLease{token: token, owner: owner, acquired: now}
	return token, nil
}

// Release implements Lock.
func (l *MemoryLock) Release(_ context.Context, fleetID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[fleetID]
	if !ok || cur.token != token {
		return ErrLockLost
	}
	delete(l.leases, fleetID)
	return nil
}
