package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/fentz26/fleetd/internal/models"
)

// LeaseMutator decides the next state of a lease row. current is nil when no
// row exists. Returning a nil lease leaves the row untouched; returning an
// error rolls the transaction back.
type LeaseMutator func(current *models.Lease) (*models.Lease, error)

const leaseColumns = `kind, resource_id, owner, claimed_at, ttl_minutes, expires_at, note, status, released_at, release_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*models.Lease, error) {
	var (
		l                    models.Lease
		claimedAt, expiresAt int64
		releasedAt           sql.NullInt64
		status               string
	)
	if err := row.Scan(&l.Kind, &l.ResourceID, &l.Owner, &claimedAt, &l.TTLMinutes, &expiresAt,
		&l.Note, &status, &releasedAt, &l.ReleaseReason); err != nil {
		return nil, err
	}
	l.ClaimedAt = fromMillis(claimedAt)
	l.ExpiresAt = fromMillis(expiresAt)
	l.Status = models.LeaseStatus(status)
	if releasedAt.Valid {
		t := fromMillis(releasedAt.Int64)
		l.ReleasedAt = &t
	}
	return &l, nil
}

// UpdateLease performs an atomic read-modify-write on the (kind, resourceID)
// lease row. The transaction holds the database write lock for its whole
// duration, so concurrent callers in any process are serialized.
func (s *Store) UpdateLease(ctx context.Context, kind, resourceID string, fn LeaseMutator) (*models.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanLease(tx.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE kind = ? AND resource_id = ?`, kind, resourceID))
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return nil, nil
	}
	next.Kind = kind
	next.ResourceID = resourceID

	var releasedAt sql.NullInt64
	if next.ReleasedAt != nil {
		releasedAt = sql.NullInt64{Int64: toMillis(*next.ReleasedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, resource_id) DO UPDATE SET
			owner = excluded.owner,
			claimed_at = excluded.claimed_at,
			ttl_minutes = excluded.ttl_minutes,
			expires_at = excluded.expires_at,
			note = excluded.note,
			status = excluded.status,
			released_at = excluded.released_at,
			release_reason = excluded.release_reason`,
		kind, resourceID, next.Owner, toMillis(next.ClaimedAt), next.TTLMinutes, toMillis(next.ExpiresAt),
		next.Note, string(next.Status), releasedAt, next.ReleaseReason,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

// GetLease returns the lease row for (kind, resourceID), or nil.
func (s *Store) GetLease(ctx context.Context, kind, resourceID string) (*models.Lease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE kind = ? AND resource_id = ?`, kind, resourceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lease: %w", err)
	}
	return l, nil
}

// ListLeases returns every lease row of a kind, ordered by resource id.
func (s *Store) ListLeases(ctx context.Context, kind string) ([]models.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases WHERE kind = ? ORDER BY resource_id`, kind)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	var leases []models.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

// ExpireLeases flips every active lease of kind whose expiry is before now to
// expired and returns the resource ids changed by this call.
func (s *Store) ExpireLeases(ctx context.Context, kind string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE leases SET status = ?
		WHERE kind = ? AND status = ? AND expires_at < ?
		RETURNING resource_id`,
		string(models.LeaseStatusExpired), kind, string(models.LeaseStatusActive), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("expire leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
