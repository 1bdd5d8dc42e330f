package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/hpcflow/pkg/fleet"
)

var _ fleet.Lock = (*Store)(nil)

// Acquire implements fleet.Lock with a compare-and-swap on the lease row.
// The same owner gets its existing token back; a lease older than LockTTL is
// taken over.
func (s *Store) Acquire(ctx context.Context, fleetID, owner string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	token := uuid.NewString()

	var curToken, curOwner, acquiredAt string
	err = tx.QueryRowContext(ctx, `SELECT token, owner, acquired_at FROM fleet_locks WHERE fleet_id = ?`, fleetID).
		Scan(&curToken, &curOwner, &acquiredAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fleet_locks (fleet_id, token, owner, acquired_at) VALUES (?, ?, ?, ?)`,
			fleetID, token, owner, now.Format(time.RFC3339Nano)); err != nil {
			return "", fmt.Errorf("acquire fleet lock %s: %w", fleetID, err)
		}
	case err != nil:
		return "", fmt.Errorf("acquire fleet lock %s: %w", fleetID, err)
	case curOwner == owner:
		return curToken, nil
	default:
		acquired, perr := time.Parse(time.RFC3339Nano, acquiredAt)
		if perr != nil || s.lockTTL <= 0 || now.Sub(acquired) < s.lockTTL {
			return "", fleet.ErrLockHeld
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE fleet_locks SET token = ?, owner = ?, acquired_at = ? WHERE fleet_id = ? AND token = ?`,
			token, owner, now.Format(time.RFC3339Nano), fleetID, curToken)
		if err != nil {
			return "", fmt.Errorf("take over fleet lock %s: %w", fleetID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return "", fleet.ErrLockHeld
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit fleet lock %s: %w", fleetID, err)
	}
	return token, nil
}

// Release implements fleet.Lock.
func (s *Store) Release(ctx context.Context, fleetID, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fleet_locks WHERE fleet_id = ? AND token = ?`, fleetID, token)
	if err != nil {
		return fmt.Errorf("release fleet lock %s: %w", fleetID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fleet.ErrLockLost
	}
	return nil
}

// Lease describes a held fleet lock.
type Lease struct {
	FleetID    string    `json:"fleet_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Leases lists held fleet locks.
func (s *Store) Leases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fleet_id, owner, acquired_at FROM fleet_locks ORDER BY fleet_id`)
	if err != nil {
		return nil, fmt.Errorf("list fleet locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Lease
	for rows.Next() {
		var l Lease
		var acquired string
		if err := rows.Scan(&l.FleetID, &l.Owner, &acquired); err != nil {
			return nil, err
		}
		l.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquired)
		out = append(out, l)
	}
	return out, rows.Err()
}
