package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gaffer/internal/db"
	"gaffer/internal/domain"
	"gaffer/internal/events"
	"gaffer/internal/repo"
)

// CreateCheckpoint snapshots every entity table under one name in one
// transaction. An existing name is rejected unless overwrite is set, in which
// case the old snapshot is replaced.
func (e Engine) CreateCheckpoint(ctx context.Context, name string, overwrite bool, actorID string) (domain.Checkpoint, error) {
	if name == "" {
		return domain.Checkpoint{}, validationf("checkpoint name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()

	_, err = e.Repo.GetCheckpointSnapshotTx(ctx, tx, name)
	if err == nil && !overwrite {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint %q: %w", name, ErrAlreadyExists)
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{}, err
	}

	snap, err := e.Repo.SnapshotTx(ctx, tx)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("snapshot: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	ckpt := domain.Checkpoint{
		ID:        domain.NewID("ckpt"),
		Name:      name,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertCheckpoint(ctx, tx, ckpt, string(data)); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointCreated, "", events.KindCheckpoint, ckpt.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, err
	}
	return ckpt, nil
}

// RestoreCheckpoint replaces all entity tables with the named snapshot in one
// transaction. The event log, other checkpoints and the worker registry are
// history and stay untouched; the restore itself is appended as an event.
func (e Engine) RestoreCheckpoint(ctx context.Context, name, actorID string) (domain.Checkpoint, error) {
	ckpt, err := e.Repo.GetCheckpoint(ctx, name)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	err = db.WithRetry(ctx, func() error {
		return e.restoreCheckpoint(ctx, name, actorID, ckpt.ID)
	})
	return ckpt, err
}

func (e Engine) restoreCheckpoint(ctx context.Context, name, actorID, checkpointID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	raw, err := e.Repo.GetCheckpointSnapshotTx(ctx, tx, name)
	if err != nil {
		return err
	}
	var snap repo.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot %q: %w", name, err)
	}
	if err := e.Repo.RestoreTx(ctx, tx, snap); err != nil {
		return fmt.Errorf("restore %q: %w", name, err)
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointRestored, "", events.KindCheckpoint, checkpointID, actorID, events.EventPayload{"name": name}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteCheckpoint removes one named checkpoint.
func (e Engine) DeleteCheckpoint(ctx context.Context, name, actorID string) error {
	ckpt, err := e.Repo.GetCheckpoint(ctx, name)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCheckpoint(ctx, tx, name); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.CheckpointPruned, "", events.KindCheckpoint, ckpt.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneCheckpoints keeps the newest keep checkpoints and deletes the rest,
// returning what was deleted.
func (e Engine) PruneCheckpoints(ctx context.Context, keep int, actorID string) ([]domain.Checkpoint, error) {
	if keep < 1 {
		return nil, validationf("keep must be at least 1")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	victims, err := e.Repo.PruneCheckpoints(ctx, tx, keep)
	if err != nil {
		return nil, err
	}
	for _, c := range victims {
		if err := e.Events.Append(ctx, tx, events.CheckpointPruned, "", events.KindCheckpoint, c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return victims, nil
}
