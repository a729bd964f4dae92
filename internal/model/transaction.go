package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Action tags recognized by the transaction dispatcher. These are the wire
// names carried by the historical transaction log; renaming any of them
// would break replay.
const (
	ActionDeviceUpdate     = "majSenseur"
	ActionNodeUpdate       = "majNoeud"
	ActionSensorDelete     = "suppressionSenseur"
	ActionConfigUpdate     = "majAppareil"
	ActionProgramSave      = "sauvegarderProgramme"
	ActionDeviceInit       = "initAppareil"
	ActionDeviceDelete     = "supprimerAppareil"
	ActionDeviceRestore    = "restaurerAppareil"
	ActionHourlyCommit     = "senseurHoraire"
	ActionUserConfigUpdate = "majConfigurationUsager"
	ActionLegacyReading    = "lecture"
)

// Transaction is one immutable, replayable mutation of fleet state. UserID
// and CommonName come from the resolved caller identity, never from the
// payload.
type Transaction struct {
	ID         uuid.UUID       `json:"id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"contenu"`
	UserID     string          `json:"user_id"`
	CommonName string          `json:"common_name,omitempty"`
}

// NewTransaction builds a transaction with a fresh id, encoding payload as
// its content.
func NewTransaction(action string, payload any, userID string) (Transaction, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{ID: uuid.New(), Action: action, Payload: b, UserID: userID}, nil
}

// TransactionRow is the append-only persisted form of a transaction. The log
// is the source of truth: replaying it in order against empty storage must
// rebuild every materialized collection.
type TransactionRow struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        int64          `gorm:"column:seq;autoIncrement;uniqueIndex" json:"-"`
	Action     string         `gorm:"column:action;index;not null" json:"action"`
	Payload    datatypes.JSON `gorm:"column:contenu" json:"contenu"`
	UserID     string         `gorm:"column:user_id;index" json:"user_id"`
	CommonName string         `gorm:"column:common_name" json:"common_name,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"-"`
}

func (t *TransactionRow) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *TransactionRow) Transaction() Transaction {
	return Transaction{
		ID:         t.ID,
		Action:     t.Action,
		Payload:    json.RawMessage(t.Payload),
		UserID:     t.UserID,
		CommonName: t.CommonName,
	}
}

// DeviceUpdateTransaction merges descriptive fields and node affinity into a
// device row.
type DeviceUpdateTransaction struct {
	DeviceID    string `json:"uuid_appareil"`
	InstanceID  string `json:"instance_id"`
	Descriptive string `json:"descriptif,omitempty"`
}

// NodeUpdateTransaction upserts a node/instance row.
type NodeUpdateTransaction struct {
	InstanceID  string    `json:"instance_id"`
	Descriptive *string   `json:"descriptif,omitempty"`
	Security    *string   `json:"securite,omitempty"`
	LCDActive   *bool     `json:"lcd_actif,omitempty"`
	LCDLines    []LCDLine `json:"lcd_affichage,omitempty"`
}

// SensorDeleteTransaction removes one sensor from a device: its entry in the
// senseurs map and its raw-reading accumulator.
type SensorDeleteTransaction struct {
	DeviceID string `json:"uuid_appareil"`
	SensorID string `json:"senseur_id"`
}

// ConfigUpdateTransaction replaces device configuration field by field. An
// absent optional field clears the stored value; it does not mean "leave
// unchanged".
type ConfigUpdateTransaction struct {
	DeviceID string              `json:"uuid_appareil"`
	Config   DeviceConfiguration `json:"configuration"`
}

// ProgramSaveTransaction merges or removes a single program entry inside the
// device configuration without touching sibling programs.
type ProgramSaveTransaction struct {
	DeviceID string  `json:"uuid_appareil"`
	Program  Program `json:"programme"`
	Remove   bool    `json:"supprimer,omitempty"`
}

// DeviceInitTransaction marks that a device has a durable initializing
// transaction in the log.
type DeviceInitTransaction struct {
	DeviceID string `json:"uuid_appareil"`
	UserID   string `json:"user_id"`
}

// DeviceDeleteTransaction soft-deletes or restores a device.
type DeviceDeleteTransaction struct {
	DeviceID string `json:"uuid_appareil"`
}

// HourlyCommitTransaction finalizes one hour of readings for one sensor.
type HourlyCommitTransaction struct {
	Hour     int64         `json:"heure"`
	UserID   string        `json:"user_id"`
	DeviceID string        `json:"uuid_appareil"`
	SensorID string        `json:"senseur_id"`
	Readings []SensorValue `json:"lectures"`
	Min      *float64      `json:"min,omitempty"`
	Max      *float64      `json:"max,omitempty"`
	Avg      *float64      `json:"avg,omitempty"`
}

// UserConfigTransaction upserts per-account settings.
type UserConfigTransaction struct {
	Timezone *string `json:"timezone,omitempty"`
}

// LegacyReadingTransaction is the pre-aggregation single-sensor commit still
// present in old logs. It carries its own summary statistics.
type LegacyReadingTransaction struct {
	SensorUUID   string        `json:"uuid_senseur"`
	SensorID     string        `json:"senseur"`
	InstanceID   string        `json:"instance_id"`
	UserID       string        `json:"user_id"`
	Type         string        `json:"type"`
	Timestamp    int64         `json:"timestamp"`
	Avg          float64       `json:"avg"`
	Max          float64       `json:"max"`
	Min          float64       `json:"min"`
	TimestampMin int64         `json:"timestamp_min"`
	TimestampMax int64         `json:"timestamp_max"`
	Readings     []SensorValue `json:"lectures"`
}

// MostRecent returns the newest reading in the batch, or false when the
// transaction carries none.
func (t *LegacyReadingTransaction) MostRecent() (SensorValue, bool) {
	var best SensorValue
	found := false
	for _, l := range t.Readings {
		if !found || l.Timestamp > best.Timestamp {
			best = l
			found = true
		}
	}
	return best, found
}
