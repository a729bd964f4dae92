package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetstate/internal/model"
)

type statsRow struct {
	Heure int64    `json:"heure"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Avg   *float64 `json:"avg,omitempty"`
}

type statsResponse struct {
	OK        bool       `json:"ok"`
	DeviceID  string     `json:"uuid_appareil"`
	SensorID  string     `json:"senseur_id"`
	Timezone  string     `json:"timezone,omitempty"`
	Periode72 []statsRow `json:"periode72h"`
	Periode31 []statsRow `json:"periode31j"`
}

// handleSensorStats serves the two standard rollups: hourly rows over the
// last 72 hours, and daily rows over the last 31 days computed in the user's
// timezone so day boundaries match their wall clock.
func (s *Server) handleSensorStats(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	deviceID := chi.URLParam(r, "id")
	sensorID := chi.URLParam(r, "sensor")

	loc := time.UTC
	tz := ""
	if cfg, err := s.repo.GetUserConfig(r.Context(), caller.UserID); err == nil && cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
			tz = cfg.Timezone
		}
	}

	now := time.Now().UTC()
	from72 := model.TruncateHour(now.Add(-72 * time.Hour).Unix())
	hourly, err := s.repo.HourlyRange(r.Context(), caller.UserID, deviceID, sensorID, from72, now.Unix())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}

	from31 := now.AddDate(0, 0, -31).Unix()
	monthly, err := s.repo.HourlyRange(r.Context(), caller.UserID, deviceID, sensorID, model.TruncateHour(from31), now.Unix())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}

	resp := statsResponse{
		OK:        true,
		DeviceID:  deviceID,
		SensorID:  sensorID,
		Timezone:  tz,
		Periode72: hourlyRows(hourly),
		Periode31: dailyRows(monthly, loc),
	}
	writeJSON(w, http.StatusOK, resp)
}

func hourlyRows(rows []model.HourlyAggregate) []statsRow {
	out := make([]statsRow, 0, len(rows))
	for _, h := range rows {
		out = append(out, statsRow{Heure: h.Hour, Min: h.Min, Max: h.Max, Avg: h.Avg})
	}
	return out
}

// dailyRows folds hourly aggregates into one row per local day: min of mins,
// max of maxes, mean of the hourly averages that exist.
func dailyRows(rows []model.HourlyAggregate, loc *time.Location) []statsRow {
	type acc struct {
		row statsRow
		sum float64
		n   int
	}
	byDay := map[int64]*acc{}
	var order []int64
	for _, h := range rows {
		local := time.Unix(h.Hour, 0).In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Unix()
		a, ok := byDay[day]
		if !ok {
			a = &acc{row: statsRow{Heure: day}}
			byDay[day] = a
			order = append(order, day)
		}
		if h.Min != nil && (a.row.Min == nil || *h.Min < *a.row.Min) {
			v := *h.Min
			a.row.Min = &v
		}
		if h.Max != nil && (a.row.Max == nil || *h.Max > *a.row.Max) {
			v := *h.Max
			a.row.Max = &v
		}
		if h.Avg != nil {
			a.sum += *h.Avg
			a.n++
		}
	}
	out := make([]statsRow, 0, len(order))
	for _, day := range order {
		a := byDay[day]
		if a.n > 0 {
			avg := a.sum / float64(a.n)
			a.row.Avg = &avg
		}
		out = append(out, a.row)
	}
	return out
}
