package engine

import (
	"context"
	"sort"
	"time"
)

// Penalty scores a node's load; lower is better.
//
//	penalty = base + 2*players + 2*playing + 100*cpu + memory%
func Penalty(s NodeStats) float64 {
	return s.Penalty +
		float64(s.Players)*2 +
		float64(s.PlayingPlayers)*2 +
		s.CPULoad*100 +
		s.MemoryPercent()
}

// LiveNodes returns the nodes of a registry that currently accept work.
func LiveNodes(r Registry) []Node {
	if r == nil {
		return nil
	}
	var out []Node
	for _, n := range r.Nodes() {
		if n != nil && n.State().Live() {
			out = append(out, n)
		}
	}
	return out
}

// PickNode prefers the live primary node, otherwise the live node with the
// lowest penalty. Returns nil when nothing is live.
func PickNode(nodes []Node, primary string) Node {
	live := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || !n.State().Live() {
			continue
		}
		if primary != "" && n.Name() == primary {
			return n
		}
		live = append(live, n)
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		pi, pj := Penalty(live[i].Stats()), Penalty(live[j].Stats())
		if pi != pj {
			return pi < pj
		}
		return live[i].Name() < live[j].Name()
	})
	return live[0]
}

// IsNodeLive reports whether the named node exists in r and is live.
func IsNodeLive(r Registry, name string) bool {
	if r == nil || name == "" {
		return false
	}
	n, ok := r.Node(name)
	return ok && n != nil && n.State().Live()
}

// WaitForLiveNode blocks until r has at least one live node, the timeout
// elapses or ctx is done.
func WaitForLiveNode(ctx context.Context, r Registry, timeout time.Duration) bool {
	if r == nil {
		return false
	}
	if len(LiveNodes(r)) > 0 {
		return true
	}

	ready := make(chan struct{}, 1)
	cancel := r.SubscribeNodes(func(ev NodeEvent) {
		if ev.Type != NodeReady {
			return
		}
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer cancel()

	// The node may have come up between the first check and the subscription.
	if len(LiveNodes(r)) > 0 {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ready:
			if len(LiveNodes(r)) > 0 {
				return true
			}
		case <-timer.C:
			return len(LiveNodes(r)) > 0
		case <-ctx.Done():
			return false
		}
	}
}
