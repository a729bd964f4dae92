package store

import (
	"context"

	"fleetstate/internal/model"
)

// AppendTransaction persists one transaction at the tail of the log. The
// sequence number is assigned by the database and defines replay order.
func (r *Repo) AppendTransaction(ctx context.Context, txn *model.Transaction) error {
	row := model.TransactionRow{
		ID:         txn.ID,
		Action:     txn.Action,
		Payload:    []byte(txn.Payload),
		UserID:     txn.UserID,
		CommonName: txn.CommonName,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// TransactionsInOrder streams the whole log in sequence order, invoking fn
// once per transaction. Rows are fetched in batches so regeneration does not
// hold the full log in memory. A non-nil error from fn aborts the walk.
func (r *Repo) TransactionsInOrder(ctx context.Context, batchSize int, fn func(*model.Transaction) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var after int64
	for {
		var rows []model.TransactionRow
		err := r.db.WithContext(ctx).
			Where("seq > ?", after).
			Order("seq asc").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			txn := rows[i].Transaction()
			if err := fn(&txn); err != nil {
				return err
			}
			after = rows[i].Seq
		}
	}
}

// TransactionCount reports the log length, used by regeneration logging.
func (r *Repo) TransactionCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.TransactionRow{}).Count(&n).Error
	return n, err
}
