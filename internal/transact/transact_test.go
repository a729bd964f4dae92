package transact

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fleetstate/internal/model"
	"fleetstate/internal/store"
)

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:transact_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
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

func (n *captureNotifier) count(suffix string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if strings.HasSuffix(e, "/"+suffix) {
			c++
		}
	}
	return c
}

func newDispatcher(t *testing.T, repo *store.Repo) (*Dispatcher, *captureNotifier) {
	t.Helper()
	d := NewDispatcher(repo)
	notify := &captureNotifier{}
	NewDeviceMaterializer(notify).Register(d)
	NewTelemetryMaterializer().Register(d)
	return d, notify
}

func exec(t *testing.T, d *Dispatcher, action string, payload any, userID string) {
	t.Helper()
	txn, err := model.NewTransaction(action, payload, userID)
	if err != nil {
		t.Fatalf("build %s: %v", action, err)
	}
	if err := d.Execute(context.Background(), txn); err != nil {
		t.Fatalf("execute %s: %v", action, err)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)

	txn, err := model.NewTransaction("noSuchAction", map[string]string{}, "u1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := d.Execute(context.Background(), txn); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	n, err := repo.TransactionCount(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rejected transaction must not reach the log, found %d rows", n)
	}
}

func TestDeviceUpdateCascadesNodeOnce(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	payload := model.DeviceUpdateTransaction{DeviceID: "d1", InstanceID: "node-a"}
	exec(t, d, model.ActionDeviceUpdate, payload, "u1")
	exec(t, d, model.ActionDeviceUpdate, payload, "u1")

	node, err := repo.GetNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("node not created: %v", err)
	}
	if node.InstanceID != "node-a" {
		t.Fatalf("wrong node: %+v", node)
	}

	// Exactly one cascaded node transaction despite two device updates.
	var nodeTxns int
	err = repo.TransactionsInOrder(ctx, 100, func(txn *model.Transaction) error {
		if txn.Action == model.ActionNodeUpdate {
			nodeTxns++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if nodeTxns != 1 {
		t.Fatalf("expected 1 cascaded node transaction, got %d", nodeTxns)
	}
}

func TestReapplyConverges(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	cfg := model.DeviceConfiguration{
		Descriptive:  "greenhouse",
		SensorLabels: map[string]string{"temp": "Temperature"},
	}
	payload := model.ConfigUpdateTransaction{DeviceID: "d1", Config: cfg}
	exec(t, d, model.ActionConfigUpdate, payload, "u1")
	first, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	exec(t, d, model.ActionConfigUpdate, payload, "u1")
	second, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(first.Config) != string(second.Config) {
		t.Fatalf("reapplication changed the document:\n%s\nvs\n%s", first.Config, second.Config)
	}
	if first.ID != second.ID {
		t.Fatalf("reapplication created a new row")
	}
}

func TestConfigAbsentFieldClears(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	exec(t, d, model.ActionConfigUpdate, model.ConfigUpdateTransaction{
		DeviceID: "d1",
		Config: model.DeviceConfiguration{
			Descriptive:   "old name",
			HiddenSensors: []string{"hum"},
		},
	}, "u1")

	// Second update omits cacher_senseurs entirely: it must clear, not stick.
	exec(t, d, model.ActionConfigUpdate, model.ConfigUpdateTransaction{
		DeviceID: "d1",
		Config:   model.DeviceConfiguration{Descriptive: "new name"},
	}, "u1")

	dev, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cfg, err := dev.Configuration()
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Descriptive != "new name" {
		t.Fatalf("expected new name, got %q", cfg.Descriptive)
	}
	if len(cfg.HiddenSensors) != 0 {
		t.Fatalf("cacher_senseurs must clear when absent, got %v", cfg.HiddenSensors)
	}
}

func TestProgramSaveIsolatesSiblings(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	active := true
	exec(t, d, model.ActionProgramSave, model.ProgramSaveTransaction{
		DeviceID: "d1",
		Program:  model.Program{ProgramID: "p1", Class: "humidificateur", Active: &active},
	}, "u1")
	exec(t, d, model.ActionProgramSave, model.ProgramSaveTransaction{
		DeviceID: "d1",
		Program:  model.Program{ProgramID: "p2", Class: "horaire", Active: &active},
	}, "u1")

	// Updating p1 must leave p2 untouched.
	exec(t, d, model.ActionProgramSave, model.ProgramSaveTransaction{
		DeviceID: "d1",
		Program: model.Program{ProgramID: "p1", Class: "humidificateur", Args: map[string]model.ArgValue{
			"seuil": model.NumberArg(45),
		}},
	}, "u1")

	dev, _ := repo.GetDevice(ctx, "u1", "d1")
	cfg, err := dev.Configuration()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.Programs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(cfg.Programs))
	}
	if cfg.Programs["p2"].Class != "horaire" {
		t.Fatalf("sibling program damaged: %+v", cfg.Programs["p2"])
	}
	if cfg.Programs["p1"].Args["seuil"].Num != 45 {
		t.Fatalf("program update lost args: %+v", cfg.Programs["p1"])
	}

	// Removal drops only the named program.
	exec(t, d, model.ActionProgramSave, model.ProgramSaveTransaction{
		DeviceID: "d1",
		Program:  model.Program{ProgramID: "p1"},
		Remove:   true,
	}, "u1")
	dev, _ = repo.GetDevice(ctx, "u1", "d1")
	cfg, _ = dev.Configuration()
	if _, ok := cfg.Programs["p1"]; ok {
		t.Fatalf("p1 not removed")
	}
	if _, ok := cfg.Programs["p2"]; !ok {
		t.Fatalf("p2 must survive removal of p1")
	}
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	exec(t, d, model.ActionDeviceUpdate, model.DeviceUpdateTransaction{DeviceID: "d1"}, "u1")
	exec(t, d, model.ActionDeviceDelete, model.DeviceDeleteTransaction{DeviceID: "d1"}, "u1")

	active, _ := repo.ListDevices(ctx, "u1", false)
	if len(active) != 0 {
		t.Fatalf("deleted device still listed: %+v", active)
	}
	dev, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("deleted device must stay addressable: %v", err)
	}
	if !dev.Deleted {
		t.Fatalf("supprime not set")
	}

	exec(t, d, model.ActionDeviceRestore, model.DeviceDeleteTransaction{DeviceID: "d1"}, "u1")
	active, _ = repo.ListDevices(ctx, "u1", false)
	if len(active) != 1 {
		t.Fatalf("restored device missing from listing")
	}
}

func TestDeviceInitSetsPresentFalseOnInsertOnly(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	exec(t, d, model.ActionDeviceInit, model.DeviceInitTransaction{DeviceID: "d1", UserID: "u1"}, "u1")
	dev, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !dev.Persisted {
		t.Fatalf("persiste not set")
	}
	if dev.Present == nil || *dev.Present {
		t.Fatalf("fresh device must start present=false, got %v", dev.Present)
	}

	// Existing device keeps its presence on reapplication.
	on := true
	if _, _, err := repo.MergeDevice(ctx, "u1", "d1", func(dev *model.Device) error {
		dev.Present = &on
		return nil
	}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	exec(t, d, model.ActionDeviceInit, model.DeviceInitTransaction{DeviceID: "d1", UserID: "u1"}, "u1")
	dev, _ = repo.GetDevice(ctx, "u1", "d1")
	if dev.Present == nil || !*dev.Present {
		t.Fatalf("reapplied init must not reset presence")
	}
}

func TestSensorDeleteDropsAccumulator(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	x := 21.5
	if _, _, err := repo.MergeDevice(ctx, "u1", "d1", func(dev *model.Device) error {
		return dev.SetSensorMap(map[string]model.SensorValue{
			"temp": {Timestamp: 100, Value: &x},
			"hum":  {Timestamp: 100, Value: &x},
		})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.AppendReadings(ctx, "u1", "d1", "temp", []model.SensorValue{{Timestamp: 100, Value: &x}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	exec(t, d, model.ActionSensorDelete, model.SensorDeleteTransaction{DeviceID: "d1", SensorID: "temp"}, "u1")

	dev, _ := repo.GetDevice(ctx, "u1", "d1")
	sensors, _ := dev.SensorMap()
	if _, ok := sensors["temp"]; ok {
		t.Fatalf("sensor not removed from map")
	}
	if _, ok := sensors["hum"]; !ok {
		t.Fatalf("unrelated sensor removed")
	}
	accs, _ := repo.StaleAccumulators(ctx, 10_000)
	if len(accs) != 0 {
		t.Fatalf("accumulator rows must be deleted, got %d", len(accs))
	}
}

func TestReplaySkipsDuplicateHourlyCommits(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	minV, maxV, avgV := 3.0, 9.0, 6.0
	payload := model.HourlyCommitTransaction{
		Hour: 3600, UserID: "u1", DeviceID: "d1", SensorID: "temp",
		Min: &minV, Max: &maxV, Avg: &avgV,
	}
	// Two identical commits straight into the log, mimicking the historical
	// duplicates.
	for i := 0; i < 2; i++ {
		txn, err := model.NewTransaction(model.ActionHourlyCommit, payload, "u1")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := repo.AppendTransaction(ctx, &txn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := d.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	rows, err := repo.HourlyRange(ctx, "u1", "d1", "temp", 0, 10_000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 hourly row after replay, got %d", len(rows))
	}
	if rows[0].Avg == nil || *rows[0].Avg != 6.0 {
		t.Fatalf("wrong aggregate content: %+v", rows[0])
	}
}

func TestReplayRebuildsFromLogOnly(t *testing.T) {
	repo := openRepo(t)
	d, notify := newDispatcher(t, repo)
	ctx := context.Background()

	exec(t, d, model.ActionDeviceUpdate, model.DeviceUpdateTransaction{DeviceID: "d1", InstanceID: "node-a", Descriptive: "barn"}, "u1")
	exec(t, d, model.ActionDeviceDelete, model.DeviceDeleteTransaction{DeviceID: "d1"}, "u1")
	before, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get before: %v", err)
	}
	notifiedBefore := len(notify.events)

	if err := d.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	after, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after.Deleted != before.Deleted || after.InstanceID != before.InstanceID {
		t.Fatalf("replay diverged: before=%+v after=%+v", before, after)
	}
	var beforeCfg, afterCfg map[string]any
	_ = json.Unmarshal(before.Config, &beforeCfg)
	_ = json.Unmarshal(after.Config, &afterCfg)
	if beforeCfg["descriptif"] != afterCfg["descriptif"] {
		t.Fatalf("configuration diverged after replay")
	}
	if len(notify.events) != notifiedBefore {
		t.Fatalf("replay must not notify, got %d new events", len(notify.events)-notifiedBefore)
	}
}

func TestReplayKeepsBufferedReadings(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	exec(t, d, model.ActionDeviceUpdate, model.DeviceUpdateTransaction{DeviceID: "d1", InstanceID: "node-a"}, "u1")
	// Buffered readings live only in the accumulator until an hourly commit
	// lands in the log; a replay must leave them in place.
	x := 4.2
	if err := repo.AppendReadings(ctx, "u1", "d1", "temp", []model.SensorValue{{Timestamp: 500, Value: &x}}); err != nil {
		t.Fatalf("append readings: %v", err)
	}

	if err := d.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	accs, err := repo.StaleAccumulators(ctx, 10_000)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(accs) != 1 {
		t.Fatalf("accumulator lost by replay, got %d rows", len(accs))
	}
	readings, err := accs[0].ReadingList()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(readings) != 1 || readings[0].Timestamp != 500 {
		t.Fatalf("buffered readings lost by replay: %+v", readings)
	}
}

func TestReplayRebuildsSensorIndex(t *testing.T) {
	repo := openRepo(t)
	d, _ := newDispatcher(t, repo)
	ctx := context.Background()

	minV, maxV, avgV := 3.0, 9.0, 6.0
	exec(t, d, model.ActionHourlyCommit, model.HourlyCommitTransaction{
		Hour: 3600, UserID: "u1", DeviceID: "d1", SensorID: "temp",
		Min: &minV, Max: &maxV, Avg: &avgV,
	}, "u1")

	if err := d.Replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	dev, err := repo.GetDevice(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	ids, err := dev.DataSensorIDs()
	if err != nil {
		t.Fatalf("decode sensor ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "temp" {
		t.Fatalf("sensor index not rebuilt after replay: %v", ids)
	}
}

func TestFollowupLoggedWithOriginatingStep(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	d := NewDispatcher(repo)
	d.Register("parent_step", func(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
		child, err := model.NewTransaction("child_step", map[string]string{"from": txn.ID.String()}, txn.UserID)
		if err != nil {
			return nil, err
		}
		return []model.Transaction{child}, nil
	})
	d.Register("child_step", func(ctx context.Context, r *store.Repo, txn *model.Transaction, replay bool) ([]model.Transaction, error) {
		return nil, errors.New("child materialization failed")
	})

	txn, err := model.NewTransaction("parent_step", map[string]string{}, "u1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := d.Execute(ctx, txn); err == nil {
		t.Fatalf("expected the child step to fail")
	}

	// The parent committed with its follow-up in the same scope: both are in
	// the log and a replay can finish the interrupted cascade.
	n, err := repo.TransactionCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected parent and follow-up in the log, got %d rows", n)
	}
}
