package transact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fleetstate/internal/model"
	"fleetstate/internal/store"
)

// Notification tags published to fleet/evt/<user_id>/<tag>.
const (
	EventDeviceUpdated    = "deviceUpdated"
	EventDisplays         = "majDisplays"
	EventPrograms         = "majProgrammes"
	EventUserConfig       = "majConfigurationUsager"
	EventPresence         = "presenceAppareil"
	EventReadingConfirmed = "lectureConfirmee"
)

// DeviceMaterializer applies the device-side actions: descriptive updates,
// configuration, programs, soft delete and restore. Every handler is a
// merge against the existing row, so reapplying a transaction converges.
type DeviceMaterializer struct {
	notify Notifier
}

func NewDeviceMaterializer(notify Notifier) *DeviceMaterializer {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &DeviceMaterializer{notify: notify}
}

func (m *DeviceMaterializer) Register(d *Dispatcher) {
	d.Register(model.ActionDeviceUpdate, m.applyDeviceUpdate)
	d.Register(model.ActionNodeUpdate, m.applyNodeUpdate)
	d.Register(model.ActionSensorDelete, m.applySensorDelete)
	d.Register(model.ActionConfigUpdate, m.applyConfigUpdate)
	d.Register(model.ActionProgramSave, m.applyProgramSave)
	d.Register(model.ActionDeviceInit, m.applyDeviceInit)
	d.Register(model.ActionDeviceDelete, m.applyDeviceDelete)
	d.Register(model.ActionDeviceRestore, m.applyDeviceRestore)
	d.Register(model.ActionUserConfigUpdate, m.applyUserConfig)
}

func (m *DeviceMaterializer) applyDeviceUpdate(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.DeviceUpdateTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" {
		return nil, errors.New("uuid_appareil required")
	}
	dev, _, err := r.MergeDevice(ctx, txn.UserID, p.DeviceID, func(dev *model.Device) error {
		if p.InstanceID != "" {
			dev.InstanceID = p.InstanceID
		}
		if p.Descriptive != "" {
			cfg, err := dev.Configuration()
			if err != nil {
				return err
			}
			cfg.Descriptive = p.Descriptive
			return dev.SetConfiguration(cfg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var followups []model.Transaction
	if !replay && p.InstanceID != "" {
		// First sight of an instance id cascades a node upsert. During
		// replay the cascaded transaction is already in the log.
		if _, err := r.GetNode(ctx, p.InstanceID); errors.Is(err, store.ErrNotFound) {
			node, err := model.NewTransaction(model.ActionNodeUpdate,
				model.NodeUpdateTransaction{InstanceID: p.InstanceID}, txn.UserID)
			if err != nil {
				return nil, err
			}
			followups = append(followups, node)
		} else if err != nil {
			return nil, err
		}
	}
	if !replay {
		m.notify.NotifyUser(txn.UserID, EventDeviceUpdated, dev)
	}
	return followups, nil
}

func (m *DeviceMaterializer) applyNodeUpdate(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.NodeUpdateTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.InstanceID == "" {
		return nil, errors.New("instance_id required")
	}
	_, _, err := r.MergeNode(ctx, p.InstanceID, func(node *model.Node) error {
		if p.Descriptive != nil {
			node.Descriptive = *p.Descriptive
		}
		if p.Security != nil {
			node.Security = *p.Security
		}
		if p.LCDActive != nil {
			node.LCDActive = p.LCDActive
		}
		if p.LCDLines != nil {
			b, err := json.Marshal(p.LCDLines)
			if err != nil {
				return err
			}
			node.LCDLines = b
		}
		return nil
	})
	return nil, err
}

func (m *DeviceMaterializer) applySensorDelete(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.SensorDeleteTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" || p.SensorID == "" {
		return nil, errors.New("uuid_appareil and senseur_id required")
	}
	dev, _, err := r.MergeDevice(ctx, txn.UserID, p.DeviceID, func(dev *model.Device) error {
		sensors, err := dev.SensorMap()
		if err != nil {
			return err
		}
		delete(sensors, p.SensorID)
		return dev.SetSensorMap(sensors)
	})
	if err != nil {
		return nil, err
	}
	if _, err := r.DeleteAccumulators(ctx, txn.UserID, p.DeviceID, p.SensorID); err != nil {
		return nil, err
	}
	if !replay {
		m.notify.NotifyUser(txn.UserID, EventDeviceUpdated, dev)
	}
	return nil, nil
}

func (m *DeviceMaterializer) applyConfigUpdate(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.ConfigUpdateTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" {
		return nil, errors.New("uuid_appareil required")
	}
	// The payload carries the whole configuration: a field the user left out
	// clears the stored value rather than keeping it.
	dev, _, err := r.MergeDevice(ctx, txn.UserID, p.DeviceID, func(dev *model.Device) error {
		return dev.SetConfiguration(&p.Config)
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		m.notify.NotifyUser(txn.UserID, EventDeviceUpdated, dev)
		m.notify.NotifyUser(txn.UserID, EventDisplays, map[string]any{
			"uuid_appareil": p.DeviceID,
			"displays":      p.Config.Displays,
		})
		m.notify.NotifyUser(txn.UserID, EventPrograms, map[string]any{
			"uuid_appareil": p.DeviceID,
			"programmes":    p.Config.Programs,
		})
	}
	return nil, nil
}

func (m *DeviceMaterializer) applyProgramSave(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.ProgramSaveTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" || p.Program.ProgramID == "" {
		return nil, errors.New("uuid_appareil and programme_id required")
	}
	dev, _, err := r.MergeDevice(ctx, txn.UserID, p.DeviceID, func(dev *model.Device) error {
		cfg, err := dev.Configuration()
		if err != nil {
			return err
		}
		if p.Remove {
			delete(cfg.Programs, p.Program.ProgramID)
		} else {
			if cfg.Programs == nil {
				cfg.Programs = map[string]model.Program{}
			}
			cfg.Programs[p.Program.ProgramID] = p.Program
		}
		return dev.SetConfiguration(cfg)
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		cfg, err := dev.Configuration()
		if err != nil {
			return nil, err
		}
		m.notify.NotifyUser(txn.UserID, EventPrograms, map[string]any{
			"uuid_appareil": p.DeviceID,
			"programmes":    cfg.Programs,
		})
	}
	return nil, nil
}

func (m *DeviceMaterializer) applyDeviceInit(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.DeviceInitTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" {
		return nil, errors.New("uuid_appareil required")
	}
	userID := txn.UserID
	if userID == "" {
		userID = p.UserID
	}
	_, _, err := r.MergeDevice(ctx, userID, p.DeviceID, func(dev *model.Device) error {
		if dev.ID == uuid.Nil {
			off := false
			dev.Present = &off
		}
		dev.Persisted = true
		return nil
	})
	return nil, err
}

func (m *DeviceMaterializer) applyDeviceDelete(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	return m.setDeleted(ctx, r, txn, replay, true)
}

func (m *DeviceMaterializer) applyDeviceRestore(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	return m.setDeleted(ctx, r, txn, replay, false)
}

func (m *DeviceMaterializer) setDeleted(ctx context.Context, r *store.Repo, txn *model.Transaction, replay, deleted bool) ([]model.Transaction, error) {
	var p model.DeviceDeleteTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	if p.DeviceID == "" {
		return nil, errors.New("uuid_appareil required")
	}
	dev, _, err := r.MergeDevice(ctx, txn.UserID, p.DeviceID, func(dev *model.Device) error {
		dev.Deleted = deleted
		if deleted {
			dev.Connected = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		m.notify.NotifyUser(txn.UserID, EventDeviceUpdated, dev)
	}
	return nil, nil
}

func (m *DeviceMaterializer) applyUserConfig(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
	var p model.UserConfigTransaction
	if err := json.Unmarshal(txn.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", txn.Action, err)
	}
	cfg, err := r.MergeUserConfig(ctx, txn.UserID, func(cfg *model.UserConfig) error {
		if p.Timezone != nil {
			cfg.Timezone = *p.Timezone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		m.notify.NotifyUser(txn.UserID, EventUserConfig, cfg)
	}
	return nil, nil
}
