package sweep

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fleetstate/internal/model"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:sweep_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *captureNotifier) NotifyUser(userID, action string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, userID+"/"+action)
}

func newDispatcher(repo *store.Repo) *transact.Dispatcher {
	d := transact.NewDispatcher(repo)
	transact.NewDeviceMaterializer(nil).Register(d)
	transact.NewTelemetryMaterializer().Register(d)
	return d
}

func TestAggregatorCommitsCompletedHoursOnly(t *testing.T) {
	repo := openRepo(t)
	d := newDispatcher(repo)
	ctx := context.Background()

	// Day base at midnight UTC; readings at 00:10, 00:40 and 01:05.
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	v := func(offset time.Duration, x float64) model.SensorValue {
		return model.SensorValue{Timestamp: base.Add(offset).Unix(), Value: &x}
	}
	readings := []model.SensorValue{
		v(10*time.Minute, 5),
		v(40*time.Minute, 7),
		v(65*time.Minute, 9),
	}
	if err := repo.AppendReadings(ctx, "u1", "d1", "temp", readings); err != nil {
		t.Fatalf("append: %v", err)
	}

	agg := NewAggregator(repo, d, 65*time.Minute)
	// Sweep at 02:10: hour 00 is closed and past the lag, hour 01 is not.
	agg.now = func() time.Time { return base.Add(2*time.Hour + 10*time.Minute) }
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := repo.HourlyRange(ctx, "u1", "d1", "temp", 0, base.Add(24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	row := rows[0]
	if row.Hour != base.Unix() {
		t.Fatalf("wrong bucket hour: %d", row.Hour)
	}
	if row.Min == nil || *row.Min != 5 || row.Max == nil || *row.Max != 7 {
		t.Fatalf("wrong min/max: %+v", row)
	}
	if row.Avg == nil || *row.Avg != 6 {
		t.Fatalf("wrong avg: %v", row.Avg)
	}

	// The 01:05 reading stays queued for a later pass.
	accs, err := repo.StaleAccumulators(ctx, base.Add(24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(accs) != 1 {
		t.Fatalf("accumulator disappeared")
	}
	left, _ := accs[0].ReadingList()
	if len(left) != 1 || left[0].Timestamp != base.Add(65*time.Minute).Unix() {
		t.Fatalf("open-hour reading must stay queued, got %+v", left)
	}

	// A second pass at the same instant finds nothing new to commit.
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	rows, _ = repo.HourlyRange(ctx, "u1", "d1", "temp", 0, base.Add(24*time.Hour).Unix())
	if len(rows) != 1 {
		t.Fatalf("second pass duplicated commits: %d rows", len(rows))
	}
}

func TestAggregatorTextOnlyBucketHasNoStats(t *testing.T) {
	repo := openRepo(t)
	d := newDispatcher(repo)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	readings := []model.SensorValue{
		{Timestamp: base.Add(5 * time.Minute).Unix(), Type: "etat", ValueText: "ouvert"},
		{Timestamp: base.Add(25 * time.Minute).Unix(), Type: "etat", ValueText: "ferme"},
	}
	if err := repo.AppendReadings(ctx, "u1", "d1", "porte", readings); err != nil {
		t.Fatalf("append: %v", err)
	}

	agg := NewAggregator(repo, d, 65*time.Minute)
	agg.now = func() time.Time { return base.Add(3 * time.Hour) }
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, _ := repo.HourlyRange(ctx, "u1", "d1", "porte", 0, base.Add(24*time.Hour).Unix())
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Min != nil || rows[0].Max != nil || rows[0].Avg != nil {
		t.Fatalf("text-only bucket must carry no statistics: %+v", rows[0])
	}
	if len(rows[0].Readings) == 0 {
		t.Fatalf("raw readings must be preserved on the aggregate")
	}
}

func TestAggregatorRoundsAvgToInputPrecision(t *testing.T) {
	if minV, maxV, avgV := summarizeVals(t, []float64{21.5, 21.6}); minV != 21.5 || maxV != 21.6 || avgV != 21.6 {
		// 21.55 rounds half away from zero at one fraction digit.
		t.Fatalf("got min=%v max=%v avg=%v", minV, maxV, avgV)
	}
	if _, _, avgV := summarizeVals(t, []float64{1, 2}); avgV != 2 {
		t.Fatalf("integer inputs round to integer avg, got %v", avgV)
	}
}

func summarizeVals(t *testing.T, xs []float64) (float64, float64, float64) {
	t.Helper()
	vals := make([]model.SensorValue, len(xs))
	for i := range xs {
		x := xs[i]
		vals[i] = model.SensorValue{Timestamp: int64(i), Value: &x}
	}
	minV, maxV, avgV := summarize(vals)
	if minV == nil || maxV == nil || avgV == nil {
		t.Fatalf("missing stats for numeric inputs")
	}
	return *minV, *maxV, *avgV
}

func TestPresenceSweepDemotesStaleDevices(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, age time.Duration) {
		t.Helper()
		last := now.Add(-age).Unix()
		_, _, err := repo.MergeDevice(ctx, "u1", id, func(dev *model.Device) error {
			dev.Connected = true
			dev.InstanceID = "node-a"
			dev.LastReading = &last
			return nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	mk("silent", 10*time.Minute)
	mk("chatty", 1*time.Minute)

	notify := &captureNotifier{}
	p := NewPresenceSweeper(repo, notify, 5*time.Minute)
	p.now = func() time.Time { return now }
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	silent, _ := repo.GetDevice(ctx, "u1", "silent")
	if silent.Connected || silent.InstanceID != "" {
		t.Fatalf("stale device not demoted: %+v", silent)
	}
	chatty, _ := repo.GetDevice(ctx, "u1", "chatty")
	if !chatty.Connected {
		t.Fatalf("fresh device wrongly demoted")
	}
	if len(notify.events) != 1 || notify.events[0] != "u1/"+transact.EventPresence {
		t.Fatalf("expected exactly one offline notification, got %v", notify.events)
	}

	// Second pass: nothing left to demote, no extra notifications.
	if err := p.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(notify.events) != 1 {
		t.Fatalf("repeat sweep re-notified: %v", notify.events)
	}
}

func TestRelayJanitorDropsExpiredConfirmations(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour).Unix()
	future := now.Add(time.Hour).Unix()
	if err := repo.UpsertRelay(ctx, "u1", "d-expired", "fp-a", &past); err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if err := repo.UpsertRelay(ctx, "u1", "d-live", "fp-b", &future); err != nil {
		t.Fatalf("seed live: %v", err)
	}
	if err := repo.UpsertRelay(ctx, "u1", "d-forever", "fp-c", nil); err != nil {
		t.Fatalf("seed unbounded: %v", err)
	}

	j := NewRelayJanitor(repo)
	j.now = func() time.Time { return now }
	if err := j.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if ok, _ := repo.RelayAuthorized(ctx, "u1", "d-live", "fp-b"); !ok {
		t.Fatalf("unexpired confirmation must survive")
	}
	if ok, _ := repo.RelayAuthorized(ctx, "u1", "d-forever", "fp-c"); !ok {
		t.Fatalf("confirmation without expiration must survive")
	}
	if ok, _ := repo.RelayAuthorized(ctx, "u1", "d-expired", "fp-a"); ok {
		t.Fatalf("expired confirmation must be gone")
	}
}

func TestAggregatorHoldsBucketStraddlingCutoff(t *testing.T) {
	repo := openRepo(t)
	d := newDispatcher(repo)
	ctx := context.Background()

	// Readings at 01:00 and 01:30. At 02:10 the cutoff sits at 01:05, inside
	// hour 01: the bucket must be held back whole, never split.
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	five, seven := 5.0, 7.0
	readings := []model.SensorValue{
		{Timestamp: base.Add(time.Hour).Unix(), Value: &five},
		{Timestamp: base.Add(90 * time.Minute).Unix(), Value: &seven},
	}
	if err := repo.AppendReadings(ctx, "u1", "d1", "temp", readings); err != nil {
		t.Fatalf("append: %v", err)
	}

	agg := NewAggregator(repo, d, 65*time.Minute)
	agg.now = func() time.Time { return base.Add(2*time.Hour + 10*time.Minute) }
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := repo.HourlyRange(ctx, "u1", "d1", "temp", 0, base.Add(24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("hour straddling the cutoff must not be finalized, got %+v", rows)
	}
	accs, _ := repo.StaleAccumulators(ctx, base.Add(24*time.Hour).Unix())
	if len(accs) != 1 {
		t.Fatalf("accumulator disappeared")
	}
	if left, _ := accs[0].ReadingList(); len(left) != 2 {
		t.Fatalf("both readings must stay queued, got %+v", left)
	}

	// One tick later the whole hour is behind the cutoff and commits intact.
	agg.now = func() time.Time { return base.Add(3*time.Hour + 10*time.Minute) }
	if err := agg.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	rows, _ = repo.HourlyRange(ctx, "u1", "d1", "temp", 0, base.Add(24*time.Hour).Unix())
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	row := rows[0]
	if row.Hour != base.Add(time.Hour).Unix() {
		t.Fatalf("wrong bucket hour: %d", row.Hour)
	}
	if row.Min == nil || *row.Min != 5 || row.Max == nil || *row.Max != 7 || row.Avg == nil || *row.Avg != 6 {
		t.Fatalf("bucket must carry every reading of the hour: %+v", row)
	}
	accs, _ = repo.StaleAccumulators(ctx, base.Add(24*time.Hour).Unix())
	if len(accs) != 0 {
		if left, _ := accs[0].ReadingList(); len(left) != 0 {
			t.Fatalf("committed readings must be pruned, got %+v", left)
		}
	}
}
