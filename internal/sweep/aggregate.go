// Package sweep runs the periodic jobs: folding buffered readings into
// hourly aggregates and demoting silent devices to offline.
package sweep

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetstate/internal/model"
	"fleetstate/internal/observability"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

// Aggregator folds completed hours of buffered readings into one hourly
// commit transaction per (device, sensor, hour). The lag keeps the sweep
// away from the hour still being written: a bucket is finalized only once
// the whole hour lies behind now-lag, which with the default 65 minutes
// means an hour is committed a few minutes after it closes.
type Aggregator struct {
	Repo       *store.Repo
	Dispatcher *transact.Dispatcher
	Lag        time.Duration

	// now is swappable in tests.
	now func() time.Time
}

func NewAggregator(repo *store.Repo, d *transact.Dispatcher, lag time.Duration) *Aggregator {
	if lag <= 0 {
		lag = 65 * time.Minute
	}
	return &Aggregator{Repo: repo, Dispatcher: d, Lag: lag, now: time.Now}
}

// Run performs one sweep pass. Errors on individual accumulators are logged
// and do not stop the pass; the next tick retries.
func (a *Aggregator) Run(ctx context.Context) error {
	now := a.now().UTC()
	cutoff := now.Add(-a.Lag).Unix()

	accs, err := a.Repo.StaleAccumulators(ctx, cutoff)
	if err != nil {
		return err
	}
	var committed int
	for i := range accs {
		n, err := a.sweepOne(ctx, &accs[i], cutoff)
		if err != nil {
			slog.Error("aggregation sweep failed",
				"uuid_appareil", accs[i].DeviceID, "senseur_id", accs[i].SensorID, "error", err)
			continue
		}
		committed += n
	}
	if committed > 0 {
		slog.Info("aggregation sweep committed", "hours", committed, "accumulators", len(accs))
	}
	return nil
}

func (a *Aggregator) sweepOne(ctx context.Context, acc *model.Accumulator, cutoff int64) (int, error) {
	readings, err := acc.ReadingList()
	if err != nil {
		return 0, err
	}
	buckets := map[int64][]model.SensorValue{}
	for _, rd := range readings {
		// A bucket is committed whole or not at all: the hour must end at
		// or before the cutoff, otherwise every reading of that hour stays
		// queued for the next pass.
		hour := model.TruncateHour(rd.Timestamp)
		if hour+3600 > cutoff {
			continue
		}
		buckets[hour] = append(buckets[hour], rd)
	}
	if len(buckets) == 0 {
		return 0, nil
	}
	hours := make([]int64, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	for _, hour := range hours {
		vals := buckets[hour]
		minV, maxV, avgV := summarize(vals)
		payload := model.HourlyCommitTransaction{
			Hour:     hour,
			UserID:   acc.UserID,
			DeviceID: acc.DeviceID,
			SensorID: acc.SensorID,
			Readings: vals,
			Min:      minV,
			Max:      maxV,
			Avg:      avgV,
		}
		txn, err := model.NewTransaction(model.ActionHourlyCommit, payload, acc.UserID)
		if err != nil {
			return 0, err
		}
		if err := a.Dispatcher.Execute(ctx, txn); err != nil {
			return 0, err
		}
		observability.HourlyCommits.Inc()
	}
	return len(hours), nil
}

// summarize computes min/max/avg over the numeric values of one bucket. Text
// readings contribute nothing; when the bucket has no numeric value at all
// the statistics are absent rather than zero. The average is rounded to the
// widest fraction the inputs carried.
func summarize(vals []model.SensorValue) (minV, maxV, avgV *float64) {
	var sum float64
	var n int
	digits := 0
	for _, v := range vals {
		if v.Value == nil {
			continue
		}
		x := *v.Value
		if minV == nil || x < *minV {
			minV = ptr(x)
		}
		if maxV == nil || x > *maxV {
			maxV = ptr(x)
		}
		if d := fractionDigits(x); d > digits {
			digits = d
		}
		sum += x
		n++
	}
	if n == 0 {
		return nil, nil, nil
	}
	scale := math.Pow10(digits)
	avg := math.Round(sum/float64(n)*scale) / scale
	return minV, maxV, ptr(avg)
}

func fractionDigits(x float64) int {
	s := strconv.FormatFloat(x, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func ptr(x float64) *float64 { return &x }
