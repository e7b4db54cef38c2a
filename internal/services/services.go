// Package services is the UI-facing write path.
//
// Every user action is one transaction that applies the optimistic change
// to the projection and appends the matching mutation to the queue; the
// scheduler is poked only after the transaction commits. Reads go straight
// to the projection.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/queue"
)

// Trigger asks for a sync run without waiting for it.
type Trigger interface {
	TriggerNow()
}

// noTrigger is used when no scheduler is wired, as in one-shot commands
// that run the engine themselves.
type noTrigger struct{}

func (noTrigger) TriggerNow() {}

type base struct {
	repo    *db.Repository
	trigger Trigger
	now     func() time.Time
}

func newBase(repo *db.Repository, trigger Trigger) base {
	if trigger == nil {
		trigger = noTrigger{}
	}
	return base{repo: repo, trigger: trigger, now: time.Now}
}

// enqueue runs write and appends the mutation built by build in one
// transaction, then triggers a run. build is called after write so it can
// use tokens computed there.
func (b base) enqueue(ctx context.Context, write func(tx *db.Repository) error, build func() payload.Payload) error {
	err := b.repo.InTx(ctx, func(tx *db.Repository) error {
		if err := write(tx); err != nil {
			return err
		}
		_, err := queue.NewStore(tx).Enqueue(ctx, build())
		return err
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record change", err)
	}
	b.trigger.TriggerNow()
	return nil
}

func validation(msg string) error {
	return apperrors.New(apperrors.ErrValidation, msg)
}

func notFound(msg string) error {
	return apperrors.New(apperrors.ErrNotFound, msg)
}
