// Package ingest handles raw reading batches reported by devices: it merges
// fresh values into the device row, buffers every value for the hourly
// sweep, and refreshes the redis snapshot.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"fleetstate/internal/identity"
	"fleetstate/internal/model"
	"fleetstate/internal/observability"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

var (
	ErrNoDeviceIdentity   = errors.New("ingest: caller has no device identity")
	ErrRelayNotAuthorized = errors.New("ingest: relay not authorized for device")
)

// ReadingBatch is one reading event as published by a device or its relay.
// The top-level uuid_appareil field is informational only; the device
// identity that counts comes from the verified caller, or, for a relayed
// batch, from lecture_relayee after the relay's authorization check.
type ReadingBatch struct {
	DeviceID   string                       `json:"uuid_appareil"`
	InstanceID string                       `json:"instance_id,omitempty"`
	Version    string                       `json:"version,omitempty"`
	Readings   map[string]model.SensorValue `json:"senseurs"`
	Relayed    *RelayedReading              `json:"lecture_relayee,omitempty"`
}

// RelayedReading is a batch submitted by a relay on behalf of a device that
// cannot publish for itself. The relay must hold a confirmed, unexpired
// authorization for the named device.
type RelayedReading struct {
	DeviceID string                       `json:"uuid_appareil"`
	Readings map[string]model.SensorValue `json:"senseurs"`
}

type Ingestor struct {
	Repo   *store.Repo
	Cache  *store.StateCache
	Notify transact.Notifier
}

// snapshot is the cached state document served by the state query.
type snapshot struct {
	DeviceID    string                       `json:"uuid_appareil"`
	Readings    map[string]model.SensorValue `json:"senseurs,omitempty"`
	LastReading *int64                       `json:"derniere_lecture,omitempty"`
	Connected   bool                         `json:"connecte"`
}

// Ingest applies one reading batch. Per-sensor values update the device row
// only when newer than what it already holds; stale or replayed batches
// still land in the accumulator but cannot roll presentation backwards.
func (i *Ingestor) Ingest(ctx context.Context, caller identity.Caller, batch *ReadingBatch) error {
	if !caller.DeviceSubject() {
		return ErrNoDeviceIdentity
	}
	deviceID := caller.Subject
	readings := batch.Readings
	if batch.Relayed != nil {
		if batch.Relayed.DeviceID == "" {
			return ErrNoDeviceIdentity
		}
		ok, err := i.Repo.RelayAuthorized(ctx, caller.UserID, batch.Relayed.DeviceID, caller.Subject)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s for %s", ErrRelayNotAuthorized, caller.Subject, batch.Relayed.DeviceID)
		}
		deviceID = batch.Relayed.DeviceID
		readings = batch.Relayed.Readings
	}
	if len(readings) == 0 {
		return nil
	}

	var batchMax int64
	for _, v := range readings {
		if v.Timestamp > batchMax {
			batchMax = v.Timestamp
		}
	}

	dev, _, err := i.Repo.MergeDevice(ctx, caller.UserID, deviceID, func(dev *model.Device) error {
		sensors, err := dev.SensorMap()
		if err != nil {
			return err
		}
		for sensorID, v := range readings {
			if prev, ok := sensors[sensorID]; !ok || v.Timestamp > prev.Timestamp {
				sensors[sensorID] = v
			}
		}
		if err := dev.SetSensorMap(sensors); err != nil {
			return err
		}
		if dev.LastReading == nil || batchMax > *dev.LastReading {
			ts := batchMax
			dev.LastReading = &ts
		}
		dev.Connected = true
		on := true
		dev.Present = &on
		if batch.InstanceID != "" {
			dev.InstanceID = batch.InstanceID
		}
		if batch.Version != "" {
			dev.Version = batch.Version
		}
		return nil
	})
	if err != nil {
		return err
	}

	for sensorID, v := range readings {
		if err := i.Repo.AppendReadings(ctx, caller.UserID, deviceID, sensorID, []model.SensorValue{v}); err != nil {
			return err
		}
		observability.ReadingsIngested.Inc()
	}

	if i.Cache != nil {
		if err := i.refreshSnapshot(ctx, caller.UserID, dev); err != nil {
			slog.Warn("snapshot refresh failed", "uuid_appareil", deviceID, "error", err)
		}
	}
	if i.Notify != nil {
		i.Notify.NotifyUser(caller.UserID, transact.EventReadingConfirmed, dev)
	}
	return nil
}

func (i *Ingestor) refreshSnapshot(ctx context.Context, userID string, dev *model.Device) error {
	sensors, err := dev.SensorMap()
	if err != nil {
		return err
	}
	b, err := json.Marshal(snapshot{
		DeviceID:    dev.DeviceID,
		Readings:    sensors,
		LastReading: dev.LastReading,
		Connected:   dev.Connected,
	})
	if err != nil {
		return err
	}
	return i.Cache.Set(ctx, userID, dev.DeviceID, b)
}
