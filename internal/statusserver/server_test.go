package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/engine/memengine"
	"github.com/keshon/multiroom/internal/pool"
	"github.com/keshon/multiroom/internal/session"
)

type staticSessions []*session.Session

func (s staticSessions) Sessions() []*session.Session { return s }

func setup(t *testing.T) (*Server, memengine.Cluster, *session.Session) {
	t.Helper()
	var cluster memengine.Cluster
	ws := pool.NewOfflineWorkers("g", 2, func(int) engine.Registry {
		reg := memengine.New()
		reg.AddNode("main", engine.NodeUp, engine.NodeStats{})
		reg.AddNode("backup", engine.NodeUp, engine.NodeStats{Players: 3})
		cluster = append(cluster, reg)
		return reg
	})
	p, err := pool.New(ws, zerolog.Nop())
	require.NoError(t, err)

	_, ok := p.AllocateSpecific("g", "lobby", 1)
	require.True(t, ok)
	sess := session.New(context.Background(), session.Config{
		GuildID: "g", RoomID: "lobby", Worker: 1, Engine: cluster[0], Logger: zerolog.Nop(),
	})
	require.NoError(t, sess.AddTrack(memengine.SimTrack("http", "a", "Song A"), "amy", ""))
	require.NoError(t, sess.AddTrack(memengine.SimTrack("http", "b", "Song B"), "amy", ""))
	require.NoError(t, sess.PlayNextIfNeeded(context.Background(), false))

	return New(":0", p, staticSessions{sess}, cluster, zerolog.Nop()), cluster, sess
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setup(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestStatus(t *testing.T) {
	srv, _, _ := setup(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	require.Len(t, got.Workers, 2)
	assert.Equal(t, 1, got.Workers[0].Index)
	require.Len(t, got.Workers[0].Nodes, 2)

	require.Len(t, got.Sessions, 1)
	sv := got.Sessions[0]
	assert.Equal(t, "lobby", sv.Room)
	assert.Equal(t, "main", sv.Node)
	assert.Equal(t, "Song A", sv.Current)
	assert.Equal(t, 1, sv.Queue)
	assert.Equal(t, []string{"Song B"}, sv.Upcoming)
	assert.Equal(t, "off", sv.Repeat)
	assert.Equal(t, 1, got.Assignments["g"]["lobby"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setup(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSimNodeSwitch(t *testing.T) {
	srv, cluster, _ := setup(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/sim/nodes/main/down")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	for _, reg := range cluster {
		assert.False(t, engine.IsNodeLive(reg, "main"))
	}

	rec = do(t, h, http.MethodPost, "/sim/nodes/main/sideways")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/sim/nodes/nowhere/up")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/sim/nodes/main/up")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSimRoutesNeedSimulator(t *testing.T) {
	ws := pool.NewOfflineWorkers("g", 1, nil)
	p, err := pool.New(ws, zerolog.Nop())
	require.NoError(t, err)
	srv := New(":0", p, staticSessions{}, nil, zerolog.Nop())

	rec := do(t, srv.Handler(), http.MethodPost, "/sim/nodes/main/down")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
