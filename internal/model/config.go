package model

// DeviceConfiguration is the user-editable configuration of a device, stored
// whole as one JSONB value on the device row.
type DeviceConfiguration struct {
	Descriptive   string                   `json:"descriptif,omitempty"`
	HiddenSensors []string                 `json:"cacher_senseurs,omitempty"`
	SensorLabels  map[string]string        `json:"descriptif_senseurs,omitempty"`
	Displays      map[string]DisplayConfig `json:"displays,omitempty"`
	Programs      map[string]Program       `json:"programmes,omitempty"`
	Timezone      string                   `json:"timezone,omitempty"`
	Geoposition   *Geoposition             `json:"geoposition,omitempty"`
	Filters       map[string]SensorFilter  `json:"filtres,omitempty"`
}

// DisplayConfig describes one physical display attached to a device.
type DisplayConfig struct {
	Lines        []DisplayLine `json:"lignes,omitempty"`
	DateDuration *int          `json:"afficher_date_duree,omitempty"`
}

// DisplayLine is one rotating line on a display: a format mask and the
// sensor variable substituted into it.
type DisplayLine struct {
	Mask     string `json:"masque"`
	Variable string `json:"variable,omitempty"`
	Duration *int   `json:"duree,omitempty"`
}

// Program is one automation program configured on a device (e.g. a humidifier
// or heating schedule). Args is a flat map of primitive values; programs never
// need deeper nesting.
type Program struct {
	ProgramID   string              `json:"programme_id"`
	Class       string              `json:"class"`
	Active      *bool               `json:"actif,omitempty"`
	Descriptive string              `json:"descriptif,omitempty"`
	Args        map[string]ArgValue `json:"args,omitempty"`
}

// Geoposition locates a device for sunrise/sunset style programs.
type Geoposition struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// SensorFilter bounds accepted values for one sensor.
type SensorFilter struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}
