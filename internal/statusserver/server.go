// Package statusserver exposes health, session status and metrics over
// HTTP. With a simulated engine it also lets an operator flip node states.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/logging"
	"github.com/keshon/multiroom/internal/pool"
	"github.com/keshon/multiroom/internal/session"
)

// Sessions lists the live sessions.
type Sessions interface {
	Sessions() []*session.Session
}

// NodeSwitch changes a node's state everywhere it is visible.
type NodeSwitch interface {
	SetNodeState(name string, state engine.NodeState) error
}

type Server struct {
	addr     string
	pool     *pool.Pool
	sessions Sessions
	sim      NodeSwitch
	log      zerolog.Logger
	mux      *http.ServeMux
}

// New builds the server. sim may be nil, which disables /sim routes.
func New(addr string, p *pool.Pool, sessions Sessions, sim NodeSwitch, log zerolog.Logger) *Server {
	s := &Server{
		addr:     addr,
		pool:     p,
		sessions: sessions,
		sim:      sim,
		log:      logging.Component(log, "status"),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if sim != nil {
		s.mux.HandleFunc("POST /sim/nodes/{name}/{state}", s.handleSimNode)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("status server shutdown")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("status server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type nodeView struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Players int    `json:"players"`
	Penalty int    `json:"penalty"`
}

type workerView struct {
	Index int        `json:"index"`
	Nodes []nodeView `json:"nodes"`
}

type sessionView struct {
	Guild    string   `json:"guild"`
	Room     string   `json:"room"`
	Worker   int      `json:"worker"`
	Node     string   `json:"node,omitempty"`
	NodeDown bool     `json:"nodeDown"`
	Paused   bool     `json:"paused"`
	Repeat   string   `json:"repeat"`
	Current  string   `json:"current,omitempty"`
	Position string   `json:"position,omitempty"`
	Queue    int      `json:"queue"`
	Upcoming []string `json:"upcoming,omitempty"`
}

type statusView struct {
	Workers     []workerView              `json:"workers"`
	Sessions    []sessionView             `json:"sessions"`
	Assignments map[string]map[string]int `json:"assignments"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := statusView{
		Workers:     []workerView{},
		Sessions:    []sessionView{},
		Assignments: s.pool.Assignments(),
	}
	for _, wk := range s.pool.Workers() {
		wv := workerView{Index: wk.Index, Nodes: []nodeView{}}
		if wk.Engine != nil {
			for _, n := range wk.Engine.Nodes() {
				wv.Nodes = append(wv.Nodes, nodeView{
					Name:    n.Name(),
					State:   n.State().String(),
					Players: n.Stats().Players,
					Penalty: int(engine.Penalty(n.Stats())),
				})
			}
		}
		out.Workers = append(out.Workers, wv)
	}
	for _, sess := range s.sessions.Sessions() {
		st := sess.Status()
		sv := sessionView{
			Guild:    sess.GuildID(),
			Room:     sess.RoomID(),
			Worker:   sess.Worker(),
			Node:     st.NodeName,
			NodeDown: st.NodeDown,
			Paused:   st.Paused,
			Repeat:   st.Repeat.String(),
			Queue:    st.TotalQueue,
		}
		if st.Current != nil {
			sv.Current = st.Current.Title
			sv.Position = st.Position.Truncate(time.Second).String()
		}
		for _, u := range st.Upcoming {
			sv.Upcoming = append(sv.Upcoming, u.Title)
		}
		out.Sessions = append(out.Sessions, sv)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Warn().Err(err).Msg("encode status")
	}
}

func parseState(s string) (engine.NodeState, bool) {
	switch strings.ToLower(s) {
	case "up":
		return engine.NodeUp, true
	case "degraded":
		return engine.NodeDegraded, true
	case "down":
		return engine.NodeDown, true
	}
	return engine.NodeDown, false
}

func (s *Server) handleSimNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	state, ok := parseState(r.PathValue("state"))
	if !ok {
		http.Error(w, "state must be up, degraded or down", http.StatusBadRequest)
		return
	}
	if err := s.sim.SetNodeState(name, state); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.log.Info().Str("node", name).Str("state", state.String()).Msg("simulated node state changed")
	w.WriteHeader(http.StatusNoContent)
}
