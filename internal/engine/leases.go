package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/repo"
)

// LeaseOptions drive claim, heartbeat and release. TTL zero means the
// workspace default. ExpectedVersion zero or negative means "whatever the
// current task version is"; a positive value must match or the operation is
// rejected with no state change.
type LeaseOptions struct {
	TaskRef         string
	OwnerID         string
	TTL             time.Duration
	ExpectedVersion int64
}

// ClaimTask acquires the task's lease for the owner. It succeeds when no
// lease exists, the existing lease has expired, or the owner already holds
// it; holding owners get a refreshed expiry. Success bumps the task version.
func (e Engine) ClaimTask(ctx context.Context, opts LeaseOptions) (domain.Lease, error) {
	if opts.OwnerID == "" {
		return domain.Lease{}, validationf("owner is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.leaseTTL()
	}
	var lease domain.Lease
	err := db.WithRetry(ctx, func() error {
		var err error
		lease, err = e.claimTask(ctx, opts, ttl)
		return err
	})
	return lease, err
}

func (e Engine) claimTask(ctx context.Context, opts LeaseOptions, ttl time.Duration) (domain.Lease, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskRef)
	if err != nil {
		return domain.Lease{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
		return domain.Lease{}, fmt.Errorf("task %s at version %d, expected %d: %w", t.ID, t.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	now := e.now().UTC()
	existing, err := e.Repo.GetLeaseTx(ctx, tx, t.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	if err == nil && !existing.Expired(now) && existing.OwnerID != opts.OwnerID {
		return domain.Lease{}, &ConflictError{TaskID: t.ID, OwnerID: existing.OwnerID, ExpiresAt: existing.ExpiresAt}
	}

	lease := domain.Lease{
		TaskID:     t.ID,
		OwnerID:    opts.OwnerID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339Nano),
	}
	if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, err
	}
	t.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Lease{}, translateStale(err, "task", t.ID)
	}
	if err := e.Events.Append(ctx, tx, events.LeaseClaimed, t.ProjectID, events.KindTask, t.ID, opts.OwnerID, events.EventPayload{"owner": lease.OwnerID, "expires_at": lease.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// HeartbeatTask extends the lease expiry for the current holder. Anyone else,
// and any expired lease, gets ErrLeaseLost.
func (e Engine) HeartbeatTask(ctx context.Context, opts LeaseOptions) (domain.Lease, error) {
	if opts.OwnerID == "" {
		return domain.Lease{}, validationf("owner is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.leaseTTL()
	}
	var lease domain.Lease
	err := db.WithRetry(ctx, func() error {
		var err error
		lease, err = e.heartbeatTask(ctx, opts, ttl)
		return err
	})
	return lease, err
}

func (e Engine) heartbeatTask(ctx context.Context, opts LeaseOptions, ttl time.Duration) (domain.Lease, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskRef)
	if err != nil {
		return domain.Lease{}, err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
		return domain.Lease{}, fmt.Errorf("task %s at version %d, expected %d: %w", t.ID, t.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	now := e.now().UTC()
	lease, err := e.Repo.GetLeaseTx(ctx, tx, t.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, fmt.Errorf("task %s has no lease: %w", t.ID, ErrLeaseLost)
	}
	if err != nil {
		return domain.Lease{}, err
	}
	if lease.Expired(now) {
		return domain.Lease{}, fmt.Errorf("lease on task %s expired at %s: %w", t.ID, lease.ExpiresAt, ErrLeaseLost)
	}
	if lease.OwnerID != opts.OwnerID {
		return domain.Lease{}, fmt.Errorf("lease on task %s is held by %s: %w", t.ID, lease.OwnerID, ErrLeaseLost)
	}

	lease.ExpiresAt = now.Add(ttl).Format(time.RFC3339Nano)
	if err := e.Repo.UpsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, err
	}
	if err := e.Events.Append(ctx, tx, events.LeaseRenewed, t.ProjectID, events.KindTask, t.ID, opts.OwnerID, events.EventPayload{"expires_at": lease.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// ReleaseTask clears the owner's lease. Releasing an absent or expired lease
// is a successful no-op; releasing someone else's live lease is ErrLeaseLost.
func (e Engine) ReleaseTask(ctx context.Context, opts LeaseOptions) error {
	if opts.OwnerID == "" {
		return validationf("owner is required")
	}
	return db.WithRetry(ctx, func() error {
		return e.releaseTask(ctx, opts)
	})
}

func (e Engine) releaseTask(ctx context.Context, opts LeaseOptions) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskRef)
	if err != nil {
		return err
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
		return fmt.Errorf("task %s at version %d, expected %d: %w", t.ID, t.Version, opts.ExpectedVersion, ErrVersionConflict)
	}
	now := e.now().UTC()
	lease, err := e.Repo.GetLeaseTx(ctx, tx, t.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lease.Expired(now) {
		// Logically absent; reclaim the row without announcing anything.
		if err := e.Repo.DeleteLease(ctx, tx, t.ID); err != nil {
			return err
		}
		return tx.Commit()
	}
	if lease.OwnerID != opts.OwnerID {
		return fmt.Errorf("lease on task %s is held by %s: %w", t.ID, lease.OwnerID, ErrLeaseLost)
	}
	if err := e.Repo.DeleteLease(ctx, tx, t.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.LeaseReleased, t.ProjectID, events.KindTask, t.ID, opts.OwnerID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}
