package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
)

type memStore struct {
	mu      sync.Mutex
	streams map[string]*models.Stream
	failAll bool
}

func (m *memStore) Create(_ context.Context, s *models.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("db down")
	}
	s.ID = "id-" + s.StreamKey[:8]
	cp := *s
	m.streams[s.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("db down")
	}
	s, ok := m.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetByKey(_ context.Context, key string) (*models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		if s.StreamKey == key {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListActive(context.Context) ([]models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Stream{}
	for _, s := range m.streams {
		if s.IsLive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListByUser(_ context.Context, userID string) ([]models.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Stream{}
	for _, s := range m.streams {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type memLive struct{ store *memStore }

func (l memLive) GoLive(_ context.Context, id string) error   { return l.set(id, true) }
func (l memLive) EndStream(_ context.Context, id string) error { return l.set(id, false) }

func (l memLive) set(id string, live bool) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.streams[id].IsLive = live
	return nil
}

type roomLog struct{ closed []string }

func (r *roomLog) CloseRoom(id string) { r.closed = append(r.closed, id) }

type jobLog struct{ jobs []queue.RecordingUploadPayload }

func (j *jobLog) EnqueueRecordingUpload(_ context.Context, p queue.RecordingUploadPayload) error {
	j.jobs = append(j.jobs, p)
	return nil
}

type fixture struct {
	router *gin.Engine
	store  *memStore
	rooms  *roomLog
	jobs   *jobLog
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		store: &memStore{streams: map[string]*models.Stream{
			"s1": {ID: "s1", UserID: "owner", StreamKey: "key-1", Title: "Live one", IsLive: true, Viewers: 4},
			"s2": {ID: "s2", UserID: "owner", StreamKey: "key-2", Title: "Offline"},
		}},
		rooms: &roomLog{},
		jobs:  &jobLog{},
	}
	h := NewHandler(f.store, memLive{f.store}, f.rooms, f.jobs, zap.NewNop())
	asUser := func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-Test-User"))
	}

	r := gin.New()
	r.POST("/streams", asUser, h.Create)
	r.GET("/streams/active", h.ListActive)
	r.GET("/streams/user/:userId", asUser, h.ListByUser)
	r.GET("/streams/:id", h.GetByID)
	r.GET("/streams/:id/viewers", h.Viewers)
	r.POST("/streams/auth", h.OnPublish)
	r.POST("/streams/complete", h.OnDone)
	f.router = r
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func form(path, name string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(url.Values{"name": {name}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestCreate(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/streams", bytes.NewBufferString(`{"title":"My show"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "u1")
	w := f.do(req)
	require.Equal(t, http.StatusCreated, w.Code)

	got := decode[struct {
		Stream models.Stream `json:"stream"`
	}](t, w)
	require.Equal(t, "u1", got.Stream.UserID)
	require.NotEmpty(t, got.Stream.StreamKey)

	req = httptest.NewRequest(http.MethodPost, "/streams", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestGetHidesStreamKey(t *testing.T) {
	f := newFixture()
	w := f.do(httptest.NewRequest(http.MethodGet, "/streams/s1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "key-1")

	require.Equal(t, http.StatusNotFound, f.do(httptest.NewRequest(http.MethodGet, "/streams/nope", nil)).Code)

	f.store.failAll = true
	require.Equal(t, http.StatusInternalServerError, f.do(httptest.NewRequest(http.MethodGet, "/streams/s1", nil)).Code)
}

func TestViewers(t *testing.T) {
	f := newFixture()
	w := f.do(httptest.NewRequest(http.MethodGet, "/streams/s1/viewers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	require.EqualValues(t, 4, got["viewers"])
}

func TestListActiveAndByUser(t *testing.T) {
	f := newFixture()
	w := f.do(httptest.NewRequest(http.MethodGet, "/streams/active", nil))
	active := decode[struct {
		Streams []models.Stream `json:"streams"`
	}](t, w)
	require.Len(t, active.Streams, 1)
	require.Empty(t, active.Streams[0].StreamKey)

	req := httptest.NewRequest(http.MethodGet, "/streams/user/owner", nil)
	req.Header.Set("X-Test-User", "owner")
	require.Contains(t, f.do(req).Body.String(), "key-1")

	req = httptest.NewRequest(http.MethodGet, "/streams/user/owner", nil)
	req.Header.Set("X-Test-User", "someone-else")
	require.NotContains(t, f.do(req).Body.String(), "key-1")
}

func TestPublishHook(t *testing.T) {
	f := newFixture()
	w := f.do(form("/streams/auth", "key-2"))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, f.store.streams["s2"].IsLive)

	require.Equal(t, http.StatusForbidden, f.do(form("/streams/auth", "bogus")).Code)
}

func TestDoneHook(t *testing.T) {
	f := newFixture()
	w := f.do(form("/streams/complete", "key-1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, f.store.streams["s1"].IsLive)
	require.Equal(t, []string{"s1"}, f.rooms.closed)
	require.Equal(t, []queue.RecordingUploadPayload{{StreamID: "s1", StreamKey: "key-1"}}, f.jobs.jobs)

	require.Equal(t, http.StatusOK, f.do(form("/streams/complete", "bogus")).Code)
	require.Len(t, f.jobs.jobs, 1)
}
