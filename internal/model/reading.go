package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Accumulator buffers raw readings for one (user, device, sensor) until the
// hourly sweep folds them into aggregates. Watermark is the boundary below
// which readings have already been finalized; it only moves forward.
type Accumulator struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	UserID    string         `gorm:"column:user_id;uniqueIndex:idx_readings_key,priority:1;not null" json:"user_id"`
	DeviceID  string         `gorm:"column:uuid_appareil;uniqueIndex:idx_readings_key,priority:2;not null" json:"uuid_appareil"`
	SensorID  string         `gorm:"column:senseur_id;uniqueIndex:idx_readings_key,priority:3;not null" json:"senseur_id"`
	Readings  datatypes.JSON `gorm:"column:lectures" json:"lectures,omitempty"`
	Watermark *int64         `gorm:"column:derniere_aggregation;index" json:"derniere_aggregation,omitempty"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
}

func (a *Accumulator) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (a *Accumulator) ReadingList() ([]SensorValue, error) {
	if len(a.Readings) == 0 {
		return nil, nil
	}
	var out []SensorValue
	if err := json.Unmarshal(a.Readings, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Accumulator) SetReadingList(list []SensorValue) error {
	if len(list) == 0 {
		a.Readings = nil
		return nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	a.Readings = b
	return nil
}

// HourlyAggregate is one finalized hour of readings for a sensor. Heure is
// the hour-truncated epoch timestamp. Rows are insert-only.
type HourlyAggregate struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	UserID    string         `gorm:"column:user_id;uniqueIndex:idx_hourly_key,priority:1;not null" json:"user_id"`
	DeviceID  string         `gorm:"column:uuid_appareil;uniqueIndex:idx_hourly_key,priority:2;not null" json:"uuid_appareil"`
	SensorID  string         `gorm:"column:senseur_id;uniqueIndex:idx_hourly_key,priority:3;not null" json:"senseur_id"`
	Hour      int64          `gorm:"column:heure;uniqueIndex:idx_hourly_key,priority:4;index;not null" json:"heure"`
	Min       *float64       `gorm:"column:min" json:"min,omitempty"`
	Max       *float64       `gorm:"column:max" json:"max,omitempty"`
	Avg       *float64       `gorm:"column:avg" json:"avg,omitempty"`
	Readings  datatypes.JSON `gorm:"column:lectures" json:"lectures,omitempty"`
	CreatedAt time.Time      `json:"-"`
}

func (h *HourlyAggregate) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// TruncateHour floors an epoch timestamp to its hour boundary.
func TruncateHour(epoch int64) int64 {
	return time.Unix(epoch, 0).UTC().Truncate(time.Hour).Unix()
}
