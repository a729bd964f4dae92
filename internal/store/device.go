package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"fleetstate/internal/model"
)

var ErrNotFound = errors.New("not found")

// MergeDevice is the upsert-with-merge primitive behind every device
// materializer: load-or-create the row for (userID, deviceID), apply mutate,
// save, and return the post-image. Key fields and the creation timestamp are
// fixed on first insert only; mutate reapplies the transaction payload, so
// duplicate application converges on the same document. The created flag
// reports whether this call inserted the row.
func (r *Repo) MergeDevice(ctx context.Context, userID, deviceID string, mutate func(*model.Device) error) (*model.Device, bool, error) {
	var out *model.Device
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dev model.Device
		err := tx.First(&dev, "user_id = ? AND uuid_appareil = ?", userID, deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			dev = model.Device{UserID: userID, DeviceID: deviceID}
			created = true
		} else if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(&dev); err != nil {
				return err
			}
		}
		// Key fields are immutable once set.
		dev.UserID = userID
		dev.DeviceID = deviceID
		if err := tx.Save(&dev).Error; err != nil {
			return err
		}
		out = &dev
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *Repo) GetDevice(ctx context.Context, userID, deviceID string) (*model.Device, error) {
	var dev model.Device
	err := r.db.WithContext(ctx).First(&dev, "user_id = ? AND uuid_appareil = ?", userID, deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListDevices returns a user's devices. Soft-deleted rows are excluded unless
// includeDeleted is set; they stay addressable for restore and history.
func (r *Repo) ListDevices(ctx context.Context, userID string, includeDeleted bool) ([]model.Device, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if !includeDeleted {
		q = q.Where("supprime = ?", false)
	}
	var rows []model.Device
	if err := q.Order("uuid_appareil asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PendingDevices lists a user's devices that still hold a CSR, i.e. are
// waiting for certificate issuance.
func (r *Repo) PendingDevices(ctx context.Context, userID string) ([]model.Device, error) {
	var rows []model.Device
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND csr <> ''", userID).
		Order("uuid_appareil asc").
		Limit(100).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// StaleConnectedDevices lists connected devices whose last reading is older
// than the cutoff (epoch seconds). Devices that never reported are skipped.
func (r *Repo) StaleConnectedDevices(ctx context.Context, cutoff int64) ([]model.Device, error) {
	var rows []model.Device
	err := r.db.WithContext(ctx).
		Where("connecte = ? AND derniere_lecture IS NOT NULL AND derniere_lecture <= ?", true, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkDevicesOffline clears the connected flag and node affinity in one bulk
// update for every connected device whose last reading is at or before the
// cutoff.
func (r *Repo) MarkDevicesOffline(ctx context.Context, cutoff int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Device{}).
		Where("connecte = ? AND derniere_lecture IS NOT NULL AND derniere_lecture <= ?", true, cutoff).
		Updates(map[string]any{"connecte": false, "instance_id": ""})
	return res.RowsAffected, res.Error
}

// ConnectedDevicesByInstance lists connected devices affiliated to one node.
func (r *Repo) ConnectedDevicesByInstance(ctx context.Context, instanceID string) ([]model.Device, error) {
	var rows []model.Device
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND connecte = ?", instanceID, true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DisconnectInstance clears connected state for every device of a node in
// one bulk update.
func (r *Repo) DisconnectInstance(ctx context.Context, instanceID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Device{}).
		Where("instance_id = ? AND connecte = ?", instanceID, true).
		Updates(map[string]any{"connecte": false, "instance_id": ""})
	return res.RowsAffected, res.Error
}

// ClearCertificates wipes certificate and fingerprint for every device of a
// user, forcing re-registration on next contact.
func (r *Repo) ClearCertificates(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Device{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"certificat": nil, "fingerprint": ""})
	return res.RowsAffected, res.Error
}

// MergeNode lazily creates or updates the node row for instanceID and
// returns the post-image plus whether the row was inserted.
func (r *Repo) MergeNode(ctx context.Context, instanceID string, mutate func(*model.Node) error) (*model.Node, bool, error) {
	var out *model.Node
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node model.Node
		err := tx.First(&node, "instance_id = ?", instanceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			node = model.Node{InstanceID: instanceID}
			created = true
		} else if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(&node); err != nil {
				return err
			}
		}
		node.InstanceID = instanceID
		if err := tx.Save(&node).Error; err != nil {
			return err
		}
		out = &node
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *Repo) GetNode(ctx context.Context, instanceID string) (*model.Node, error) {
	var node model.Node
	err := r.db.WithContext(ctx).First(&node, "instance_id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *Repo) ListNodes(ctx context.Context) ([]model.Node, error) {
	var rows []model.Node
	if err := r.db.WithContext(ctx).Order("instance_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertRelay records the last confirmed relay fingerprint for a device.
func (r *Repo) UpsertRelay(ctx context.Context, userID, deviceID, fingerprint string, expiration *int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var relay model.Relay
		err := tx.First(&relay, "user_id = ? AND uuid_appareil = ?", userID, deviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			relay = model.Relay{UserID: userID, DeviceID: deviceID}
		} else if err != nil {
			return err
		}
		relay.Fingerprint = strings.TrimSpace(fingerprint)
		relay.Expiration = expiration
		return tx.Save(&relay).Error
	})
}

// RelayAuthorized reports whether fingerprint is the confirmed, unexpired
// relay for the device.
func (r *Repo) RelayAuthorized(ctx context.Context, userID, deviceID, fingerprint string) (bool, error) {
	var relay model.Relay
	err := r.db.WithContext(ctx).
		First(&relay, "user_id = ? AND uuid_appareil = ? AND fingerprint = ?", userID, deviceID, fingerprint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if relay.Expiration != nil && *relay.Expiration <= time.Now().Unix() {
		return false, nil
	}
	return true, nil
}

// DeleteExpiredRelays removes relay confirmations past their expiration.
func (r *Repo) DeleteExpiredRelays(ctx context.Context, now int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expiration IS NOT NULL AND expiration <= ?", now).
		Delete(&model.Relay{})
	return res.RowsAffected, res.Error
}

// MergeUserConfig upserts per-account settings and returns the post-image.
func (r *Repo) MergeUserConfig(ctx context.Context, userID string, mutate func(*model.UserConfig) error) (*model.UserConfig, error) {
	var out *model.UserConfig
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg model.UserConfig
		err := tx.First(&cfg, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = model.UserConfig{UserID: userID}
		} else if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(&cfg); err != nil {
				return err
			}
		}
		cfg.UserID = userID
		if err := tx.Save(&cfg).Error; err != nil {
			return err
		}
		out = &cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) GetUserConfig(ctx context.Context, userID string) (*model.UserConfig, error) {
	var cfg model.UserConfig
	err := r.db.WithContext(ctx).First(&cfg, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
