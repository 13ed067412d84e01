package db

import (
	"context"
	"fmt"
)

// TryLock takes the named lock for owner until expiresAt. An expired lock
// is taken over. Returns false while someone else holds it.
func (d *DB) TryLock(ctx context.Context, name, owner string, now, expiresAt int64) (bool, error) {
	if _, err := d.exec(ctx, `DELETE FROM task_locks WHERE name = ? AND expires_at < ?`, name, now); err != nil {
		return false, fmt.Errorf("expiring lock %s: %w", name, err)
	}
	res, err := d.exec(ctx,
		`INSERT INTO task_locks (name, owner, expires_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, owner, expiresAt)
	if err != nil {
		return false, fmt.Errorf("taking lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unlock releases the lock if owner still holds it.
func (d *DB) Unlock(ctx context.Context, name, owner string) error {
	_, err := d.exec(ctx, `DELETE FROM task_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// ExpireLocks drops every lock whose lease ended before now.
func (d *DB) ExpireLocks(ctx context.Context, now int64) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM task_locks WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("expiring locks: %w", err)
	}
	return res.RowsAffected()
}
