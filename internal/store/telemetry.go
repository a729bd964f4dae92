package store

import (
	"context"
	"errors"
	"sort"

	"gorm.io/gorm"

	"fleetstate/internal/model"
)

// AppendReadings pushes raw sensor values onto the accumulator row for
// (userID, deviceID, sensorID), creating it on first use. Readings are kept
// sorted by timestamp so pruning can split on the watermark cheaply.
func (r *Repo) AppendReadings(ctx context.Context, userID, deviceID, sensorID string, readings []model.SensorValue) error {
	if len(readings) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc model.Accumulator
		err := tx.First(&acc, "user_id = ? AND uuid_appareil = ? AND senseur_id = ?", userID, deviceID, sensorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			acc = model.Accumulator{UserID: userID, DeviceID: deviceID, SensorID: sensorID}
		} else if err != nil {
			return err
		}
		existing, err := acc.ReadingList()
		if err != nil {
			return err
		}
		existing = append(existing, readings...)
		sort.SliceStable(existing, func(i, j int) bool {
			return existing[i].Timestamp < existing[j].Timestamp
		})
		if err := acc.SetReadingList(existing); err != nil {
			return err
		}
		return tx.Save(&acc).Error
	})
}

// StaleAccumulators returns accumulator rows that hold buffered readings and
// whose watermark is unset or older than the cutoff, i.e. the ones the
// aggregation sweep must visit. Drained rows keep their watermark but carry
// no readings and are skipped.
func (r *Repo) StaleAccumulators(ctx context.Context, cutoff int64) ([]model.Accumulator, error) {
	var rows []model.Accumulator
	err := r.db.WithContext(ctx).
		Where("(derniere_aggregation IS NULL OR derniere_aggregation < ?) AND lectures IS NOT NULL", cutoff).
		Order("user_id asc, uuid_appareil asc, senseur_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// PruneReadings drops readings strictly before the cutoff from one
// accumulator and advances its watermark to the cutoff. Called after the
// sweep has committed aggregates for those readings.
func (r *Repo) PruneReadings(ctx context.Context, userID, deviceID, sensorID string, cutoff int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acc model.Accumulator
		err := tx.First(&acc, "user_id = ? AND uuid_appareil = ? AND senseur_id = ?", userID, deviceID, sensorID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		readings, err := acc.ReadingList()
		if err != nil {
			return err
		}
		kept := readings[:0]
		for _, rd := range readings {
			if rd.Timestamp >= cutoff {
				kept = append(kept, rd)
			}
		}
		if err := acc.SetReadingList(kept); err != nil {
			return err
		}
		// Watermark only moves forward; a replayed late commit must not
		// rewind it.
		if acc.Watermark == nil || *acc.Watermark < cutoff {
			acc.Watermark = &cutoff
		}
		return tx.Save(&acc).Error
	})
}

// DeleteAccumulators removes every buffered-reading row for one sensor.
func (r *Repo) DeleteAccumulators(ctx context.Context, userID, deviceID, sensorID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND uuid_appareil = ? AND senseur_id = ?", userID, deviceID, sensorID).
		Delete(&model.Accumulator{})
	return res.RowsAffected, res.Error
}

// InsertHourly writes one hourly aggregate row. Buckets are immutable once
// committed: a second insert for the same (user, device, sensor, hour) key
// trips the unique index instead of silently rewriting history. Replay
// checks HourlyExists before calling this.
func (r *Repo) InsertHourly(ctx context.Context, agg *model.HourlyAggregate) error {
	return r.db.WithContext(ctx).Create(agg).Error
}

// SensorKey identifies one sensor series in the hourly history.
type SensorKey struct {
	UserID   string `gorm:"column:user_id"`
	DeviceID string `gorm:"column:uuid_appareil"`
	SensorID string `gorm:"column:senseur_id"`
}

// DistinctHourlySensors lists every (user, device, sensor) series that has
// at least one materialized hourly aggregate.
func (r *Repo) DistinctHourlySensors(ctx context.Context) ([]SensorKey, error) {
	var keys []SensorKey
	err := r.db.WithContext(ctx).Model(&model.HourlyAggregate{}).
		Distinct("user_id", "uuid_appareil", "senseur_id").
		Order("user_id asc, uuid_appareil asc, senseur_id asc").
		Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// HourlyExists reports whether an aggregate is already materialized for the
// given hour. Used by replay to skip known-duplicate commit transactions.
func (r *Repo) HourlyExists(ctx context.Context, userID, deviceID, sensorID string, hour int64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.HourlyAggregate{}).
		Where("user_id = ? AND uuid_appareil = ? AND senseur_id = ? AND heure = ?", userID, deviceID, sensorID, hour).
		Count(&n).Error
	return n > 0, err
}

// HourlyRange returns aggregates for one sensor between from and to
// (inclusive hour bounds), oldest first.
func (r *Repo) HourlyRange(ctx context.Context, userID, deviceID, sensorID string, from, to int64) ([]model.HourlyAggregate, error) {
	var rows []model.HourlyAggregate
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND uuid_appareil = ? AND senseur_id = ? AND heure >= ? AND heure <= ?",
			userID, deviceID, sensorID, from, to).
		Order("heure asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
