package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is the materialized view of one fleet device. JSON field names are
// the wire names downstream consumers (web, relays) depend on; do not rename.
type Device struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	UserID      string         `gorm:"column:user_id;uniqueIndex:idx_devices_user_device,priority:1;not null" json:"user_id"`
	DeviceID    string         `gorm:"column:uuid_appareil;uniqueIndex:idx_devices_user_device,priority:2;not null" json:"uuid_appareil"`
	InstanceID  string         `gorm:"column:instance_id;index" json:"instance_id,omitempty"`
	PublicKey   string         `gorm:"column:cle_publique;type:text" json:"cle_publique,omitempty"`
	CSR         string         `gorm:"column:csr;type:text" json:"csr,omitempty"`
	Certificate datatypes.JSON `gorm:"column:certificat" json:"certificat,omitempty"`
	Fingerprint string         `gorm:"column:fingerprint" json:"fingerprint,omitempty"`
	Sensors     datatypes.JSON `gorm:"column:senseurs" json:"senseurs,omitempty"`
	LastReading *int64         `gorm:"column:derniere_lecture;index:idx_devices_last_reading" json:"derniere_lecture,omitempty"`
	Config      datatypes.JSON `gorm:"column:configuration" json:"configuration,omitempty"`
	DataSensors datatypes.JSON `gorm:"column:types_donnees" json:"types_donnees,omitempty"`
	Persisted   bool           `gorm:"column:persiste" json:"persiste"`
	Deleted     bool           `gorm:"column:supprime" json:"supprime"`
	Present     *bool          `gorm:"column:present" json:"present,omitempty"`
	Connected   bool           `gorm:"column:connecte" json:"connecte"`
	Version     string         `gorm:"column:version" json:"version,omitempty"`
	CreatedAt   time.Time      `json:"-"`
	UpdatedAt   time.Time      `json:"-"`
}

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// SensorValue is one reading as reported by a device sensor.
type SensorValue struct {
	Timestamp int64    `json:"timestamp"`
	Type      string   `json:"type,omitempty"`
	Value     *float64 `json:"valeur,omitempty"`
	ValueText string   `json:"valeur_str,omitempty"`
}

func (d *Device) SensorMap() (map[string]SensorValue, error) {
	out := map[string]SensorValue{}
	if len(d.Sensors) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(d.Sensors, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) SetSensorMap(m map[string]SensorValue) error {
	if len(m) == 0 {
		d.Sensors = nil
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	d.Sensors = b
	return nil
}

// CertificateChain decodes the stored PEM chain, leaf first.
func (d *Device) CertificateChain() ([]string, error) {
	if len(d.Certificate) == 0 {
		return nil, nil
	}
	var chain []string
	if err := json.Unmarshal(d.Certificate, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func (d *Device) SetCertificateChain(chain []string) error {
	if len(chain) == 0 {
		d.Certificate = nil
		return nil
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	d.Certificate = b
	return nil
}

func (d *Device) Configuration() (*DeviceConfiguration, error) {
	cfg := &DeviceConfiguration{}
	if len(d.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(d.Config, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (d *Device) SetConfiguration(cfg *DeviceConfiguration) error {
	if cfg == nil {
		d.Config = nil
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	d.Config = b
	return nil
}

// DataSensorIDs lists sensor ids for which hourly history exists.
func (d *Device) DataSensorIDs() ([]string, error) {
	if len(d.DataSensors) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(d.DataSensors, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Device) AddDataSensorID(sensorID string) (bool, error) {
	ids, err := d.DataSensorIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == sensorID {
			return false, nil
		}
	}
	ids = append(ids, sensorID)
	b, err := json.Marshal(ids)
	if err != nil {
		return false, err
	}
	d.DataSensors = b
	return true, nil
}

// Node is a gateway/host a device is affiliated with. Created lazily on first
// reference from any device transaction, never deleted.
type Node struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	InstanceID  string         `gorm:"column:instance_id;uniqueIndex;not null" json:"instance_id"`
	Descriptive string         `gorm:"column:descriptif" json:"descriptif,omitempty"`
	Security    string         `gorm:"column:securite" json:"securite,omitempty"`
	LCDActive   *bool          `gorm:"column:lcd_actif" json:"lcd_actif,omitempty"`
	LCDLines    datatypes.JSON `gorm:"column:lcd_affichage" json:"lcd_affichage,omitempty"`
	CreatedAt   time.Time      `json:"-"`
	UpdatedAt   time.Time      `json:"-"`
}

func (n *Node) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// LCDLine is one configured line of a node's LCD display.
type LCDLine struct {
	UUID       string `json:"uuid"`
	DeviceID   string `json:"appareil"`
	Display    string `json:"affichage"`
}

// Relay is the last confirmed relay allowed to sign readings for a device.
type Relay struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	UserID      string    `gorm:"column:user_id;uniqueIndex:idx_relays_user_device,priority:1;not null" json:"user_id"`
	DeviceID    string    `gorm:"column:uuid_appareil;uniqueIndex:idx_relays_user_device,priority:2;not null" json:"uuid_appareil"`
	Fingerprint string    `gorm:"column:fingerprint;index" json:"fingerprint"`
	Expiration  *int64    `gorm:"column:expiration" json:"expiration,omitempty"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

func (r *Relay) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// UserConfig holds per-account settings.
type UserConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Timezone  string    `gorm:"column:timezone" json:"timezone,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (u *UserConfig) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
