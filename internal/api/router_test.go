package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillpress/realtime/internal/blogapi"
	"github.com/quillpress/realtime/internal/cache"
	"github.com/quillpress/realtime/internal/models"
	"github.com/quillpress/realtime/internal/notify"
	"github.com/quillpress/realtime/internal/realtime"
)

type fakeStore struct {
	mu      sync.Mutex
	tenant  string
	items   []models.Notification
	remote  []models.Notification
	pageErr error
	calls   []string
}

func (f *fakeStore) View(filter notify.Filter) notify.Snapshot {
	var out []models.Notification
	f.mu.Lock()
	for _, n := range f.items {
		if filter == notify.FilterAll || (filter == notify.FilterUnread) != n.Read {
			out = append(out, n)
		}
	}
	f.mu.Unlock()
	return notify.Snapshot{Notifications: out, UnreadCount: f.UnreadCount()}
}

func (f *fakeStore) TenantID() string { return f.tenant }

func (f *fakeStore) ByGroup() map[models.Group][]models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[models.Group][]models.Notification)
	for _, n := range f.items {
		out[n.Type.Group()] = append(out[n.Type.Group()], n)
	}
	return out
}

func (f *fakeStore) Page(_ context.Context, page, size int) (*blogapi.Page, error) {
	if f.tenant == "" {
		return nil, notify.ErrNoTenant
	}
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	f.record(fmt.Sprintf("page %d/%d", page, size))
	return &blogapi.Page{Notifications: f.remote, Page: page, Size: size, Total: int64(len(f.remote))}, nil
}

func (f *fakeStore) Unread(context.Context) ([]models.Notification, error) {
	if f.tenant == "" {
		return nil, notify.ErrNoTenant
	}
	return f.remote, nil
}

func (f *fakeStore) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.items {
		if !n.Read {
			count++
		}
	}
	return count
}


func (f *fakeStore) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStore) MarkAsRead(id models.ID) { f.record("read " + id.String()) }
func (f *fakeStore) MarkAllAsRead()          { f.record("read-all") }
func (f *fakeStore) Delete(id models.ID)     { f.record("delete " + id.String()) }
func (f *fakeStore) DeleteAll()              { f.record("delete-all") }

type fakeSession struct {
	status realtime.Status
	sent   []string
}

func (f *fakeSession) Status() realtime.Status { return f.status }

func (f *fakeSession) SendMessage(destination string, payload any) error {
	if !f.status.Connected {
		return realtime.ErrNotConnected
	}
	raw, _ := payload.(json.RawMessage)
	f.sent = append(f.sent, destination+" "+string(raw))
	return nil
}

type fakeCache struct {
	err   error
	state map[string]cache.UnreadState
}

func (f fakeCache) Health(context.Context) error { return f.err }

func (f fakeCache) Unread(_ context.Context, tenantID string) (*cache.UnreadState, error) {
	state, ok := f.state[tenantID]
	if !ok {
		return nil, cache.ErrNotMirrored
	}
	return &state, nil
}

func newTestEngine(opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	NewRouter(opts).SetupRoutes(engine)
	return engine
}

func do(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	session := &fakeSession{status: realtime.Status{State: realtime.StateConnected, Connected: true}}
	engine := newTestEngine(Options{Store: &fakeStore{}, Session: session, Cache: fakeCache{err: errors.New("down")}})

	w := do(engine, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "connected", body["state"])
	assert.Equal(t, "error", body["cache"])

	engine = newTestEngine(Options{Store: &fakeStore{}, Session: session})
	w = do(engine, http.MethodGet, "/.well-known/healthcheck.json", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disabled", body["cache"])
}

func TestMetricsRoute(t *testing.T) {
	session := &fakeSession{}
	assert.Equal(t, http.StatusNotFound, do(newTestEngine(Options{Store: &fakeStore{}, Session: session}), http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusOK, do(newTestEngine(Options{Store: &fakeStore{}, Session: session, Metrics: true}), http.MethodGet, "/metrics", "").Code)
}

func TestListNotifications(t *testing.T) {
	store := &fakeStore{items: []models.Notification{{ID: "a"}, {ID: "b", Read: true}, {ID: "c"}}}
	engine := newTestEngine(Options{Store: store, Session: &fakeSession{}})

	tests := []struct {
		filter string
		want   int
	}{
		{"", 3},
		{"unread", 2},
		{"read", 1},
	}
	for _, tt := range tests {
		t.Run("filter="+tt.filter, func(t *testing.T) {
			w := do(engine, http.MethodGet, "/notifications?filter="+tt.filter, "")
			require.Equal(t, http.StatusOK, w.Code)
			var snap notify.Snapshot
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
			assert.Len(t, snap.Notifications, tt.want)
			assert.Equal(t, 2, snap.UnreadCount)
		})
	}

	w := do(engine, http.MethodGet, "/notifications?filter=archived", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(engine, http.MethodGet, "/notifications/unread/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":2}`, w.Body.String())
}

func TestMutationsDelegateToStore(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(Options{Store: store, Session: &fakeSession{}})

	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodPut, "/notifications/n1/read", "").Code)
	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodPut, "/notifications/read-all", "").Code)
	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodDelete, "/notifications/n2", "").Code)
	assert.Equal(t, http.StatusNoContent, do(engine, http.MethodDelete, "/notifications/all", "").Code)

	assert.Equal(t, []string{"read n1", "read-all", "delete n2", "delete-all"}, store.calls)
}

func TestRealtimeStatusAndSend(t *testing.T) {
	session := &fakeSession{status: realtime.Status{State: realtime.StateReconnecting, Attempt: 2}}
	engine := newTestEngine(Options{Store: &fakeStore{}, Session: session})

	w := do(engine, http.MethodGet, "/realtime/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"reconnecting","connected":false,"attempt":2}`, w.Body.String())

	w = do(engine, http.MethodPost, "/realtime/send", `{"destination":"/app/typing","payload":{"postId":"p1"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, session.sent)

	session.status = realtime.Status{State: realtime.StateConnected, Connected: true}
	w = do(engine, http.MethodPost, "/realtime/send", `{"destination":"/app/typing","payload":{"postId":"p1"}}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{`/app/typing {"postId":"p1"}`}, session.sent)

	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodPost, "/realtime/send", `{"payload":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodPost, "/realtime/send", `not json`).Code)
}

func TestUnreadCountFromMirror(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &fakeStore{tenant: "t1", items: []models.Notification{{ID: "a"}}}
	mirror := fakeCache{state: map[string]cache.UnreadState{"t1": {TenantID: "t1", UnreadCount: 7, UpdatedAt: updated}}}

	engine := newTestEngine(Options{Store: store, Session: &fakeSession{}, Cache: mirror})
	w := do(engine, http.MethodGet, "/notifications/unread/count?source=mirror", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":7,"updatedAt":"2026-01-02T03:04:05Z"}`, w.Body.String())

	w = do(engine, http.MethodGet, "/notifications/unread/count?source=store", "")
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodGet, "/notifications/unread/count?source=disk", "").Code)

	store.tenant = "t2"
	assert.Equal(t, http.StatusNotFound, do(engine, http.MethodGet, "/notifications/unread/count?source=mirror", "").Code)
	store.tenant = ""
	assert.Equal(t, http.StatusConflict, do(engine, http.MethodGet, "/notifications/unread/count?source=mirror", "").Code)

	engine = newTestEngine(Options{Store: store, Session: &fakeSession{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(engine, http.MethodGet, "/notifications/unread/count?source=mirror", "").Code)
}

func TestGroupsPageAndUnread(t *testing.T) {
	store := &fakeStore{
		items: []models.Notification{
			{ID: "c", Type: models.TypeCommentReply},
			{ID: "p", Type: models.TypePostLiked},
		},
		remote: []models.Notification{{ID: "r1"}, {ID: "r2"}},
	}
	engine := newTestEngine(Options{Store: store, Session: &fakeSession{}})

	w := do(engine, http.MethodGet, "/notifications/groups", "")
	require.Equal(t, http.StatusOK, w.Code)
	var groups map[string][]models.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &groups))
	assert.Len(t, groups["comment"], 1)
	assert.Len(t, groups["post"], 1)

	assert.Equal(t, http.StatusConflict, do(engine, http.MethodGet, "/notifications/page", "").Code)
	assert.Equal(t, http.StatusConflict, do(engine, http.MethodGet, "/notifications/unread", "").Code)

	store.tenant = "t1"
	w = do(engine, http.MethodGet, "/notifications/page?page=2&size=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page blogapi.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Notifications, 2)
	assert.Equal(t, 2, page.Page)

	do(engine, http.MethodGet, "/notifications/page", "")
	assert.Equal(t, []string{"page 2/5", "page 0/20"}, store.calls)

	for _, q := range []string{"page=-1", "page=x", "size=0", "size=101"} {
		assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodGet, "/notifications/page?"+q, "").Code, q)
	}

	w = do(engine, http.MethodGet, "/notifications/unread", "")
	require.Equal(t, http.StatusOK, w.Code)
	var unread struct {
		Notifications []models.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unread))
	assert.Len(t, unread.Notifications, 2)

	store.pageErr = &blogapi.StatusError{StatusCode: 500, Method: "GET", Path: "/x"}
	assert.Equal(t, http.StatusBadGateway, do(engine, http.MethodGet, "/notifications/page", "").Code)
}
