package transact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fleetstate/internal/model"
	"fleetstate/internal/store"
)

// TelemetryMaterializer applies the reading-history actions: hourly
// aggregate commits and the legacy single-reading transactions still present
// in old logs.
type TelemetryMaterializer struct{}

func NewTelemetryMaterializer() *TelemetryMaterializer {
	return &TelemetryMaterializer{}
}

func (m *TelemetryMaterializer) Register(d *Dispatcher) {
	d.Register(model.ActionHourlyCommit, m.applyHourlyCommit)
	d.Register(model.ActionLegacyReading, m.applyLegacyReading)
}

func (m *TelemetryMaterializer) applyHourlyCommit(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.HourlyCommitTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	userID := txn.UserID
	if userID == "" {
		userID = p.UserID
	}
	if p.DeviceID == "" || p.SensorID == "" {
		return nil, errors.New("uuid_appareil and senseur_id required")
	}
	if replay {
		// Historical logs carry duplicate commits for some hours; during a
		// rebuild the first one wins and the rest are skipped. Live commits
		// never probe: the sweep emits exactly one per hour.
		exists, err := r.HourlyExists(ctx, userID, p.DeviceID, p.SensorID, p.Hour)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, nil
		}
	}
	agg := &model.HourlyAggregate{
		UserID:   userID,
		DeviceID: p.DeviceID,
		SensorID: p.SensorID,
		Hour:     p.Hour,
		Min:      p.Min,
		Max:      p.Max,
		Avg:      p.Avg,
	}
	if len(p.Readings) > 0 {
		b, err := json.Marshal(p.Readings)
		if err != nil {
			return nil, err
		}
		agg.Readings = b
	}
	if err := r.InsertHourly(ctx, agg); err != nil {
		return nil, err
	}
	if !replay {
		_, _, err := r.MergeDevice(ctx, userID, p.DeviceID, func(dev *model.Device) error {
			_, err := dev.AddDataSensorID(p.SensorID)
			return err
		})
		if err != nil {
			return nil, err
		}
		// The committed hour is final: drop its readings from the
		// accumulator and move the watermark past the bucket.
		if err := r.PruneReadings(ctx, userID, p.DeviceID, p.SensorID, p.Hour+3600); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (m *TelemetryMaterializer) applyLegacyReading(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.LegacyReadingTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	userID := txn.UserID
	if userID == "" {
		userID = p.UserID
	}
	sensorID := p.SensorID
	if sensorID == "" {
		sensorID = p.SensorUUID
	}
	deviceID := p.SensorUUID
	if deviceID == "" {
		return nil, errors.New("uuid_senseur required")
	}
	latest, ok := p.MostRecent()
	if !ok {
		return nil, nil
	}
	if latest.Type == "" {
		latest.Type = p.Type
	}
	_, _, err := r.MergeDevice(ctx, userID, deviceID, func(dev *model.Device) error {
		sensors, err := dev.SensorMap()
		if err != nil {
			return err
		}
		if prev, found := sensors[sensorID]; !found || latest.Timestamp > prev.Timestamp {
			sensors[sensorID] = latest
			if err := dev.SetSensorMap(sensors); err != nil {
				return err
			}
		}
		if dev.LastReading == nil || latest.Timestamp > *dev.LastReading {
			ts := latest.Timestamp
			dev.LastReading = &ts
		}
		if p.InstanceID != "" {
			dev.InstanceID = p.InstanceID
		}
		return nil
	})
	return nil, err
}
