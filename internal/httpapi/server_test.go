package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fleetstate/internal/identity"
	"fleetstate/internal/model"
	"fleetstate/internal/realtime"
	"fleetstate/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *store.Repo) {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := New(repo, nil, realtime.NewHub(), identity.NewVerifier(testSecret))
	return srv, repo
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDevicesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/api/devices", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListDevicesScopedToCaller(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	for user, id := range map[string]string{"u1": "mine", "u2": "theirs"} {
		if _, _, err := repo.MergeDevice(ctx, user, id, nil); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// A deleted device stays out of the listing.
	if _, _, err := repo.MergeDevice(ctx, "u1", "gone", func(dev *model.Device) error {
		dev.Deleted = true
		return nil
	}); err != nil {
		t.Fatalf("seed deleted: %v", err)
	}

	rec := get(t, srv.Handler(), "/api/devices", token(t, "u1", "user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Appareils []model.Device `json:"appareils"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Appareils) != 1 || resp.Appareils[0].DeviceID != "mine" {
		t.Fatalf("expected only the caller's active device, got %+v", resp.Appareils)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/api/devices/nope", token(t, "u1", "user"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUserConfigForbiddenAcrossAccounts(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/api/users/u2/config", token(t, "u1", "user"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	// Admins may read any account.
	rec = get(t, srv.Handler(), "/api/users/u2/config", token(t, "u1", "admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", rec.Code)
	}
}

func TestDailyRowsFoldByLocalDay(t *testing.T) {
	loc, err := time.LoadLocation("America/Montreal")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 2025-01-02 03:00 UTC is still 2025-01-01 local (UTC-5).
	h1 := time.Date(2025, 1, 1, 20, 0, 0, 0, time.UTC).Unix()
	h2 := time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC).Unix()
	h3 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC).Unix()
	f := func(x float64) *float64 { return &x }
	rows := []model.HourlyAggregate{
		{Hour: h1, Min: f(1), Max: f(3), Avg: f(2)},
		{Hour: h2, Min: f(0), Max: f(5), Avg: f(4)},
		{Hour: h3, Min: f(2), Max: f(2), Avg: f(2)},
	}

	daily := dailyRows(rows, loc)
	if len(daily) != 2 {
		t.Fatalf("expected 2 local days, got %d", len(daily))
	}
	day1 := daily[0]
	if *day1.Min != 0 || *day1.Max != 5 || *day1.Avg != 3 {
		t.Fatalf("wrong day1 fold: %+v", day1)
	}
	day2 := daily[1]
	if *day2.Min != 2 || *day2.Max != 2 || *day2.Avg != 2 {
		t.Fatalf("wrong day2 fold: %+v", day2)
	}
}

func TestPendingDevicesListsAwaitingIssuance(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()

	if _, _, err := repo.MergeDevice(ctx, "u1", "waiting", func(dev *model.Device) error {
		dev.CSR = "-----BEGIN CERTIFICATE REQUEST-----"
		dev.InstanceID = "node-a"
		return nil
	}); err != nil {
		t.Fatalf("seed waiting: %v", err)
	}
	if _, _, err := repo.MergeDevice(ctx, "u1", "issued", func(dev *model.Device) error {
		dev.Fingerprint = "fp"
		return nil
	}); err != nil {
		t.Fatalf("seed issued: %v", err)
	}
	if _, _, err := repo.MergeDevice(ctx, "u2", "foreign", func(dev *model.Device) error {
		dev.CSR = "csr"
		return nil
	}); err != nil {
		t.Fatalf("seed foreign: %v", err)
	}

	rec := get(t, srv.Handler(), "/api/devices/pending", token(t, "u1", "user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Appareils []struct {
			DeviceID   string `json:"uuid_appareil"`
			InstanceID string `json:"instance_id"`
		} `json:"appareils"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Appareils) != 1 || resp.Appareils[0].DeviceID != "waiting" {
		t.Fatalf("expected only the caller's pending device, got %+v", resp.Appareils)
	}
	if resp.Appareils[0].InstanceID != "node-a" {
		t.Fatalf("pending row must carry node affinity, got %+v", resp.Appareils[0])
	}
}
