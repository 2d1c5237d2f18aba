package memengine

import (
	"errors"

	"github.com/keshon/multiroom/internal/engine"
)

// Cluster is the same simulated node set seen through several workers'
// registries. Flipping a node flips it for every worker.
type Cluster []*Registry

// SetNodeState applies state to the named node in every registry.
func (c Cluster) SetNodeState(name string, state engine.NodeState) error {
	var errs []error
	for _, r := range c {
		if err := r.SetNodeState(name, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
