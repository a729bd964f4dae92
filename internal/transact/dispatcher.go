// Package transact appends transactions to the log and materializes their
// effects. The log is the source of truth: every handler must be safe to
// reapply, and Replay rebuilds all materialized state from an empty slate.
package transact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fleetstate/internal/model"
	"fleetstate/internal/observability"
	"fleetstate/internal/store"
)

var (
	ErrUnknownAction  = errors.New("transact: unknown action")
	ErrCascadeTooDeep = errors.New("transact: cascade bound exceeded")
)

// Handlers that follow up with more transactions return them; the dispatcher
// logs and applies each in turn. The bound keeps a buggy handler from
// spinning forever.
const maxCascade = 8

// ApplyFunc materializes one transaction. The repo it receives is scoped to
// the surrounding database transaction, so all writes commit or roll back
// with the log append.
type ApplyFunc func(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error)

// Notifier receives per-user notifications emitted by materializers outside
// replay. Implementations publish to the bus and mirror to the websocket hub.
type Notifier interface {
	NotifyUser(userID, action string, payload any)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(string, string, any) {}

type Dispatcher struct {
	repo     *store.Repo
	handlers map[string]ApplyFunc
}

func NewDispatcher(repo *store.Repo) *Dispatcher {
	return &Dispatcher{repo: repo, handlers: map[string]ApplyFunc{}}
}

func (d *Dispatcher) Register(action string, fn ApplyFunc) {
	d.handlers[action] = fn
}

// Execute appends txn to the log and materializes it, then drains any
// follow-up transactions the handler produced. Log append and materialization
// run in one database transaction so a handler failure leaves no orphan log
// entry. Follow-ups are appended inside the scope of the step that produced
// them: once that step commits they are durably logged, and a later failure
// materializing one only means replay finishes the job.
func (d *Dispatcher) Execute(ctx context.Context, txn model.Transaction) error {
	if _, ok := d.handlers[txn.Action]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, txn.Action)
	}
	type step struct {
		txn      model.Transaction
		appended bool
	}
	queue := []step{{txn: txn}}
	for applied := 0; len(queue) > 0; applied++ {
		if applied >= maxCascade {
			return fmt.Errorf("%w: started from %s", ErrCascadeTooDeep, txn.Action)
		}
		cur := queue[0]
		queue = queue[1:]
		fn, ok := d.handlers[cur.txn.Action]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAction, cur.txn.Action)
		}
		var followups []model.Transaction
		err := d.repo.Atomic(ctx, func(r *store.Repo) error {
			if !cur.appended {
				if err := r.AppendTransaction(ctx, &cur.txn); err != nil {
					return err
				}
			}
			var applyErr error
			followups, applyErr = fn(ctx, r, &cur.txn, false)
			if applyErr != nil {
				return applyErr
			}
			for i := range followups {
				if _, ok := d.handlers[followups[i].Action]; !ok {
					return fmt.Errorf("%w: %s", ErrUnknownAction, followups[i].Action)
				}
				if err := r.AppendTransaction(ctx, &followups[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", cur.txn.Action, err)
		}
		observability.TransactionsApplied.WithLabelValues(cur.txn.Action).Inc()
		for i := range followups {
			queue = append(queue, step{txn: followups[i], appended: true})
		}
	}
	return nil
}

// Replay wipes the materialized tables and reapplies the whole log in
// sequence order. Handlers run in replay mode: no notifications, no
// follow-ups (cascaded transactions are already in the log), and duplicate
// hourly commits are skipped. Unknown actions in historical logs are logged
// and skipped rather than aborting the rebuild.
func (d *Dispatcher) Replay(ctx context.Context) error {
	total, err := d.repo.TransactionCount(ctx)
	if err != nil {
		return err
	}
	slog.Info("replay started", "transactions", total)
	if err := d.repo.ResetMaterialized(ctx); err != nil {
		return err
	}
	var applied, skipped int64
	err = d.repo.TransactionsInOrder(ctx, 500, func(txn *model.Transaction) error {
		fn, ok := d.handlers[txn.Action]
		if !ok {
			slog.Warn("replay skipping unknown action", "action", txn.Action, "id", txn.ID)
			skipped++
			return nil
		}
		if _, err := fn(ctx, d.repo, txn, true); err != nil {
			return fmt.Errorf("replay %s %s: %w", txn.Action, txn.ID, err)
		}
		applied++
		return nil
	})
	if err != nil {
		return err
	}
	// The per-device sensor index is only maintained during live commits;
	// after a replay it is rebuilt from the materialized hourly history.
	keys, err := d.repo.DistinctHourlySensors(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, _, err := d.repo.MergeDevice(ctx, k.UserID, k.DeviceID, func(dev *model.Device) error {
			_, err := dev.AddDataSensorID(k.SensorID)
			return err
		})
		if err != nil {
			return err
		}
	}
	slog.Info("replay finished", "applied", applied, "skipped", skipped, "sensor_series", len(keys))
	return nil
}
