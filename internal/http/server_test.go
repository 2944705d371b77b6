package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/field-readings/internal/anomaly"
	"github.com/septivank/field-readings/internal/cache"
	"github.com/septivank/field-readings/internal/config"
	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/metrics"
	"github.com/septivank/field-readings/internal/mq"
	"github.com/septivank/field-readings/internal/repository"
	"github.com/septivank/field-readings/internal/service"
	"github.com/septivank/field-readings/internal/validator"
)

// memoryStore backs every service with in-memory tables
type memoryStore struct {
	mu          sync.Mutex
	communities []db.Community
	units       []db.CommunityUnit
	meters      []db.Meter
	readings    map[string]db.CurrentReading
	nextID      int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{readings: make(map[string]db.CurrentReading)}
}

func (m *memoryStore) BeginReadingTx(context.Context) (repository.ReadingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make(map[string]db.CurrentReading, len(m.readings))
	for k, v := range m.readings {
		rows[k] = v
	}
	return &memoryTx{store: m, rows: rows, nextID: m.nextID}, nil
}

func (m *memoryStore) ListUnits(_ context.Context, communityID int64) ([]db.CommunityUnit, error) {
	var out []db.CommunityUnit
	for _, u := range m.units {
		if u.CommunityID == communityID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memoryStore) ListMeterCatalog(_ context.Context, communityID int64) ([]db.Meter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Meter
	for _, meter := range m.meters {
		if meter.CommunityID == communityID {
			out = append(out, meter)
		}
	}
	return out, nil
}

func (m *memoryStore) ListCurrentReadings(_ context.Context, meterIDs []string) ([]db.CurrentReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.CurrentReading
	for _, id := range meterIDs {
		if r, ok := m.readings[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) UpdateMeterSortOrder(_ context.Context, communityID int64, meterID string, sortOrder int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.meters {
		if m.meters[i].CommunityID == communityID && m.meters[i].MeterID == meterID {
			order := sortOrder
			m.meters[i].SortOrder = &order
			return 1, nil
		}
	}
	return 0, nil
}

func (m *memoryStore) ListCommunities(context.Context) ([]db.Community, error) {
	return m.communities, nil
}

type memoryTx struct {
	store  *memoryStore
	rows   map[string]db.CurrentReading
	nextID int64
}

func (t *memoryTx) FindCurrentReading(_ context.Context, meterID string) (*db.CurrentReading, error) {
	r, ok := t.rows[meterID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memoryTx) UpdateCurrentReading(_ context.Context, reading *db.CurrentReading) (int64, error) {
	if _, ok := t.rows[reading.MeterID]; !ok {
		return 0, nil
	}
	t.rows[reading.MeterID] = *reading
	return 1, nil
}

func (t *memoryTx) InsertCurrentReading(_ context.Context, reading *db.CurrentReading) (int64, error) {
	t.nextID++
	reading.ID = t.nextID
	t.rows[reading.MeterID] = *reading
	return 1, nil
}

func (t *memoryTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.readings = t.rows
	t.store.nextID = t.nextID
	return nil
}

func (t *memoryTx) Rollback(context.Context) error { return nil }

// staticAuth accepts one user and treats its id as the session id
type staticAuth struct {
	user service.Session
	pwd  string
}

func (a *staticAuth) Login(_ context.Context, login, pwd string) (*service.Session, error) {
	if login == "" || pwd == "" {
		return nil, &service.ValidationError{Reason: "missing login or password"}
	}
	if login != a.user.Login || pwd != a.pwd {
		return nil, service.ErrUnauthorized
	}
	return &a.user, nil
}

func (a *staticAuth) Session(_ context.Context, sessionID string) (*service.Session, error) {
	if sessionID != a.user.ID.String() {
		return nil, service.ErrUnauthorized
	}
	return &a.user, nil
}

func testConfig(requireSession bool) *config.Config {
	return &config.Config{
		ServiceName: "field-readings-test",
		HTTP: config.HTTPConfig{
			Port:            8080,
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: time.Second,
			AllowedOrigins:  []string{"*"},
		},
		RabbitMQ: config.RabbitMQConfig{SavedRoutingKey: "reading.saved"},
		Auth: config.AuthConfig{
			RequireSession: requireSession,
			CookieName:     "fieldSessionId",
			CookieMaxAge:   time.Hour,
		},
		Readings: config.ReadingsConfig{DefaultInputType: db.InputTypeField},
		Anomaly:  config.AnomalyConfig{SpikeThreshold: 3},
	}
}

// seededStore holds community 1 with M1 (position 0, never read) and
// M2 (position 1, read 100 on 2024-01-01).
func seededStore() *memoryStore {
	store := newMemoryStore()
	store.communities = []db.Community{{ID: 1, Name: "Alder Court"}}
	store.units = []db.CommunityUnit{
		{ID: 10, CommunityID: 1, UnitNumber: "U-2", Meters: []byte(`[{"meter_id":"M2","meter_type":"water"}]`)},
		{ID: 11, CommunityID: 1, UnitNumber: "U-1", Meters: []byte(`[{"meter_id":"M1","meter_type":"water"}]`)},
	}
	zero, one := 0, 1
	store.meters = []db.Meter{
		{MeterID: "M1", CommunityID: 1, MeterType: "water", SortOrder: &zero, IsActive: true},
		{MeterID: "M2", CommunityID: 1, MeterType: "water", SortOrder: &one, IsActive: true},
	}
	reading := "100"
	store.nextID = 1
	store.readings["M2"] = db.CurrentReading{
		ID:          1,
		MeterID:     "M2",
		Reading:     &reading,
		ReadingDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return store
}

func newTestServer(cfg *config.Config, store *memoryStore, auth Authenticator) *Server {
	logger := zap.NewNop()
	m := metrics.New()
	v := validator.NewValidator()

	services := Services{
		Readings:    service.NewReadingService(store, mq.NopPublisher{}, anomaly.NewDetector(cfg.Anomaly.SpikeThreshold), v, m, cfg, logger),
		Meters:      service.NewMeterService(store, logger),
		Sort:        service.NewSortService(store, v, m, logger),
		Auth:        auth,
		Communities: service.NewCommunityService(store, cache.Nop{}, logger),
	}
	return New(cfg, services, m, logger)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

type meterListResponse struct {
	Data  []service.MeterView `json:"data"`
	Count int                 `json:"count"`
}

type readingsResponse struct {
	Message string              `json:"message"`
	Data    service.BatchResult `json:"data"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitThenListMeters(t *testing.T) {
	s := newTestServer(testConfig(false), seededStore(), &staticAuth{})

	rec := doJSON(t, s, http.MethodPost, "/api/field/readings", `{
		"communityId": "1",
		"readingDate": "2024-02-01",
		"readings": [{"meterId": "M1", "reading": "50"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved := decode[readingsResponse](t, rec)
	assert.Equal(t, "Successfully saved 1 reading(s)", saved.Message)
	assert.Equal(t, 1, saved.Data.Saved)
	assert.Equal(t, 1, saved.Data.Total)

	rec = doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := decode[meterListResponse](t, rec)
	require.Equal(t, 2, list.Count)
	require.Len(t, list.Data, 2)

	m1, m2 := list.Data[0], list.Data[1]
	assert.Equal(t, "M1", m1.MeterID)
	assert.Equal(t, "U-1", m1.UnitID)
	require.NotNil(t, m1.CurrentReading)
	assert.Equal(t, "50", *m1.CurrentReading)
	assert.Equal(t, "2024-02-01", *m1.LastReadingDate)

	assert.Equal(t, "M2", m2.MeterID)
	require.NotNil(t, m2.CurrentReading)
	assert.Equal(t, "100", *m2.CurrentReading)
	assert.Equal(t, "2024-01-01", *m2.LastReadingDate)
}

func TestSaveReadings_ValidationIsBadRequest(t *testing.T) {
	store := seededStore()
	s := newTestServer(testConfig(false), store, &staticAuth{})

	rec := doJSON(t, s, http.MethodPost, "/api/field/readings", `{"communityId": 1, "readingDate": "2024-02-01", "readings": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "readings array is required and cannot be empty", decode[messageResponse](t, rec).Message)

	rec = doJSON(t, s, http.MethodPost, "/api/field/readings", `{"readingDate": "2024-02-01", "readings": [{"meterId": "M1", "reading": "50"}, {"meterId": "M2", "reading": "abc"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "100", *store.readings["M2"].Reading)
	assert.NotContains(t, store.readings, "M1")

	rec = doJSON(t, s, http.MethodPost, "/api/field/readings", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/field/readings", `{"communityId": "C1", "readingDate": "2024-02-01", "readings": [{"meterId": "M1", "reading": "1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMeters_CommunityParameter(t *testing.T) {
	s := newTestServer(testConfig(false), seededStore(), &staticAuth{})

	rec := doJSON(t, s, http.MethodGet, "/api/field/meters", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing communityId parameter", decode[messageResponse](t, rec).Message)

	rec = doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=99", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[meterListResponse](t, rec)
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Data)
}

func TestSaveSortOrder(t *testing.T) {
	store := seededStore()
	s := newTestServer(testConfig(false), store, &staticAuth{})

	rec := doJSON(t, s, http.MethodPost, "/api/field/meters/sort", `{
		"communityId": 1,
		"sortOrder": [{"meterId": "M2", "fieldSortOrder": 0}, {"meterId": "M1", "fieldSortOrder": 1}, {"meterId": "M9", "fieldSortOrder": 2}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message string             `json:"message"`
		Data    service.SortResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Updated)
	assert.Equal(t, []string{"M9"}, resp.Data.Unmatched)

	rec = doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=1", nil)
	list := decode[meterListResponse](t, rec)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "M2", list.Data[0].MeterID)
	assert.Equal(t, "M1", list.Data[1].MeterID)

	rec = doJSON(t, s, http.MethodPost, "/api/field/meters/sort", `{"sortOrder": [{"meterId": "M1", "fieldSortOrder": 1}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionRequired(t *testing.T) {
	user := service.Session{ID: uuid.New(), Login: "reader1"}
	s := newTestServer(testConfig(true), seededStore(), &staticAuth{user: user, pwd: "s3cret"})

	rec := doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/field/auth/login", loginRequest{Login: "reader1", Pwd: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/field/auth/login", loginRequest{Login: "reader1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/field/auth/login", loginRequest{Login: "reader1", Pwd: "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fieldSessionId" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, user.ID.String(), cookie.Value)
	assert.True(t, cookie.HttpOnly)

	rec = doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=1", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/field/auth/session", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"authenticated": true, "id": "`+user.ID.String()+`", "login": "reader1"}`, rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/api/field/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fieldSessionId" {
			assert.Empty(t, c.Value)
			assert.True(t, c.MaxAge < 0)
		}
	}
}

func TestListCommunities(t *testing.T) {
	s := newTestServer(testConfig(false), seededStore(), &staticAuth{})

	rec := doJSON(t, s, http.MethodGet, "/api/field/communities", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id": 1, "name": "Alder Court"}]`, rec.Body.String())
}

func TestExportMeters(t *testing.T) {
	s := newTestServer(testConfig(false), seededStore(), &staticAuth{})

	rec := doJSON(t, s, http.MethodGet, "/api/field/meters/export?communityId=1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "readings-community-1.xlsx")
	// xlsx files are zip archives
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestOperationalRoutes(t *testing.T) {
	s := newTestServer(testConfig(true), seededStore(), &staticAuth{})

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Populate the latency histogram before scraping
	doJSON(t, s, http.MethodGet, "/api/field/meters?communityId=1", nil)

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "field_readings_http_request_duration_seconds"))

	req := httptest.NewRequest(http.MethodOptions, "/api/field/readings", nil)
	out := httptest.NewRecorder()
	s.Engine().ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)
	assert.Equal(t, "*", out.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(testConfig(false), seededStore(), &staticAuth{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCommunityIDUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    communityID
		wantErr bool
	}{
		{in: `12`, want: 12},
		{in: `"12"`, want: 12},
		{in: `""`, want: 0},
		{in: `null`, want: 0},
		{in: `"C1"`, wantErr: true},
		{in: `1.5`, wantErr: true},
	}

	for _, tt := range tests {
		var id communityID
		err := json.Unmarshal([]byte(tt.in), &id)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, id, tt.in)
	}
}
