package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/contextd/pkg/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.SQLiteStore) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(NewHandler(store).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	code := getJSON(t, srv.URL+"/admin/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetSessionAndEvents(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, memory.Session{ID: "ses-1", Owner: "alice", StartedAt: time.Now()}))
	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, memory.SessionEvent{SessionID: "ses-1", Type: memory.EventUserMessage, Content: "hi"})
		require.NoError(t, err)
	}

	code := getJSON(t, srv.URL+"/admin/sessions/ses-1", nil)
	assert.Equal(t, http.StatusOK, code)

	var body struct {
		Events []memory.SessionEvent `json:"events"`
	}
	code = getJSON(t, srv.URL+"/admin/sessions/ses-1/events?after_seq=1", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Events, 2)

	code = getJSON(t, srv.URL+"/admin/sessions/ses-missing/events", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListMemoriesRequiresNamespace(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.InsertMemory(ctx, memory.Memory{
		ID: "mem-1", Namespace: "alice", Content: "fact", Category: memory.CategoryFacts, CreatedAt: time.Now(),
	}))

	code := getJSON(t, srv.URL+"/admin/memories", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var body struct {
		Memories []memory.Memory `json:"memories"`
	}
	code = getJSON(t, srv.URL+"/admin/memories?namespace=alice", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Memories, 1)
}

func TestListHandoffsAndWatermarks(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.InsertHandoff(ctx, memory.HandoffPacket{
		ID: "hof-1", Source: "architect", Destination: "reviewer", Workflow: "wf", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SetWatermark(ctx, memory.Watermark{SessionID: "ses-1", LastSeq: 4}))

	var handoffs struct {
		Handoffs []memory.HandoffPacket `json:"handoffs"`
	}
	code := getJSON(t, srv.URL+"/admin/handoffs?workflow=wf", &handoffs)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, handoffs.Handoffs, 1)

	var marks struct {
		Watermarks []memory.Watermark `json:"watermarks"`
	}
	code = getJSON(t, srv.URL+"/admin/watermarks", &marks)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, marks.Watermarks, 1)
	assert.Equal(t, int64(4), marks.Watermarks[0].LastSeq)
}

func TestGetState(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, memory.Session{ID: "ses-1", Owner: "alice", StartedAt: time.Now()}))
	require.NoError(t, store.PutState(ctx, memory.SessionState{
		SessionID:  "ses-1",
		Scratchpad: memory.Scratchpad{CurrentTask: "review the handler"},
	}))

	var st memory.SessionState
	code := getJSON(t, srv.URL+"/admin/sessions/ses-1/state", &st)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "review the handler", st.Scratchpad.CurrentTask)
}
