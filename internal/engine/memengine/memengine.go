// Package memengine is an in-process engine.Registry. It backs the test
// suites and the simulated engine mode of the multiroom binary, where nodes
// are flipped up and down from the status server to exercise failover.
package memengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/keshon/multiroom/internal/engine"
)

// Catalog answers resolve calls.
type Catalog func(identifier string) *engine.LoadResult

// Option configures a Registry.
type Option func(*Registry)

// WithCatalog sets the resolve catalog.
func WithCatalog(c Catalog) Option {
	return func(r *Registry) { r.catalog = c }
}

// Registry is a simulated set of engine nodes for one worker.
type Registry struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	bindings map[string]*Binding
	subs     map[int]func(engine.NodeEvent)
	nextSub  int
	catalog  Catalog
	events   dispatcher

	joinErrs []error
	joins    int
	leaves   int
}

// New returns an empty registry. Without a catalog every resolve is empty.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:    make(map[string]*Node),
		bindings: make(map[string]*Binding),
		subs:     make(map[int]func(engine.NodeEvent)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddNode registers a node. A live node announces itself with a ready event.
func (r *Registry) AddNode(name string, state engine.NodeState, stats engine.NodeStats) *Node {
	n := &Node{reg: r, name: name, state: state, stats: stats}
	r.mu.Lock()
	r.nodes[name] = n
	r.mu.Unlock()
	if state.Live() {
		r.emitNode(engine.NodeEvent{Type: engine.NodeReady, Node: name})
	}
	return n
}

// SetNodeState moves a node to state. Leaving the live set destroys the
// bindings on that node and emits close; entering it emits ready.
func (r *Registry) SetNodeState(name string, state engine.NodeState) error {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("memengine: unknown node %q", name)
	}
	n.mu.Lock()
	prev := n.state
	n.state = state
	n.mu.Unlock()

	if prev.Live() && !state.Live() {
		for _, b := range r.bindings {
			if b.node == n {
				b.destroy()
			}
		}
	}
	r.mu.Unlock()

	switch {
	case prev.Live() && !state.Live():
		r.emitNode(engine.NodeEvent{Type: engine.NodeClose, Node: name, Code: 1006, Reason: "connection lost"})
	case !prev.Live() && state.Live():
		r.emitNode(engine.NodeEvent{Type: engine.NodeReady, Node: name})
	}
	return nil
}

// Disconnect takes a node down with a disconnect event instead of close.
func (r *Registry) Disconnect(name, reason string) error {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("memengine: unknown node %q", name)
	}
	n.mu.Lock()
	n.state = engine.NodeDown
	n.mu.Unlock()
	for _, b := range r.bindings {
		if b.node == n {
			b.destroy()
		}
	}
	r.mu.Unlock()

	r.emitNode(engine.NodeEvent{Type: engine.NodeDisconnect, Node: name, Reason: reason})
	return nil
}

// SetStats replaces a node's load report.
func (r *Registry) SetStats(name string, stats engine.NodeStats) {
	r.mu.Lock()
	n := r.nodes[name]
	r.mu.Unlock()
	if n == nil {
		return
	}
	n.mu.Lock()
	n.stats = stats
	n.mu.Unlock()
}

// FailNextJoins queues errors returned by the next Join calls, in order.
func (r *Registry) FailNextJoins(errs ...error) {
	r.mu.Lock()
	r.joinErrs = append(r.joinErrs, errs...)
	r.mu.Unlock()
}

// Joins returns how many bindings Join has created.
func (r *Registry) Joins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins
}

// Leaves returns how many times Leave was called.
func (r *Registry) Leaves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaves
}

func (r *Registry) Nodes() []engine.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]engine.Node, 0, len(names))
	for _, name := range names {
		out = append(out, r.nodes[name])
	}
	return out
}

func (r *Registry) Node(name string) (engine.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	return n, true
}

func (r *Registry) Join(ctx context.Context, req engine.JoinRequest) (engine.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.joinErrs) > 0 {
		err := r.joinErrs[0]
		r.joinErrs = r.joinErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if existing, ok := r.bindings[req.GuildID]; ok && !existing.Destroyed() {
		return nil, engine.ErrAlreadyConnected
	}

	n, ok := r.nodes[req.Node]
	if !ok || !n.State().Live() {
		return nil, fmt.Errorf("node %q unavailable: %w", req.Node, engine.ErrNoNodes)
	}

	b := &Binding{guildID: req.GuildID, roomID: req.RoomID, node: n, subs: make(map[int]func(engine.BindingEvent))}
	r.bindings[req.GuildID] = b
	r.joins++
	return b, nil
}

func (r *Registry) Leave(_ context.Context, guildID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves++
	if b, ok := r.bindings[guildID]; ok {
		b.destroy()
		delete(r.bindings, guildID)
	}
	return nil
}

func (r *Registry) Binding(guildID string) (engine.Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[guildID]
	if !ok {
		return nil, false
	}
	return b, true
}

// SimBinding returns the concrete binding for a guild, for driving events.
func (r *Registry) SimBinding(guildID string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[guildID]
}

// AdoptBinding installs a binding for guildID without counting a join, as if
// another caller had connected concurrently.
func (r *Registry) AdoptBinding(guildID, roomID, node string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &Binding{guildID: guildID, roomID: roomID, node: r.nodes[node], subs: make(map[int]func(engine.BindingEvent))}
	r.bindings[guildID] = b
	return b
}

func (r *Registry) SubscribeNodes(fn func(engine.NodeEvent)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) emitNode(ev engine.NodeEvent) {
	r.events.post(func() {
		r.mu.Lock()
		fns := make([]func(engine.NodeEvent), 0, len(r.subs))
		for _, fn := range r.subs {
			fns = append(fns, fn)
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (r *Registry) resolve(identifier string) *engine.LoadResult {
	if r.catalog == nil {
		return &engine.LoadResult{Type: engine.LoadEmpty}
	}
	res := r.catalog(identifier)
	if res == nil {
		return &engine.LoadResult{Type: engine.LoadEmpty}
	}
	return res
}

// Node is a simulated engine node.
type Node struct {
	reg      *Registry
	name     string
	mu       sync.Mutex
	state    engine.NodeState
	stats    engine.NodeStats
	resolves int
}

func (n *Node) Name() string { return n.name }

func (n *Node) State() engine.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) Stats() engine.NodeStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Resolves returns how many resolve calls reached this node.
func (n *Node) Resolves() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resolves
}

func (n *Node) Resolve(ctx context.Context, identifier string) (*engine.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	live := n.state.Live()
	n.resolves++
	n.mu.Unlock()
	if !live {
		return nil, fmt.Errorf("node %q is down", n.name)
	}
	return n.reg.resolve(identifier), nil
}

// dispatcher runs posted funcs one at a time, in order, off the caller's goroutine.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}
