// Package devicesink drives one WireGuard interface: diffing the previous
// applied peer table against a new target table and pushing the resulting
// add/update/remove operations through a Sink, grounded on the diff/apply
// split in the teacher's goal package (goal/goal_test.go's DiffInterfacePeer,
// goal/apply.go's ApplyInterfaceDiff).
package devicesink

import (
	"context"

	"github.com/shoreline-systems/wgreconcile/internal/merge"
	"github.com/shoreline-systems/wgreconcile/internal/wgconf"
)

// Sink is the abstract device boundary of spec.md §6: four operations become
// two, since "update" is just set_peer called again.
type Sink interface {
	SetPeer(ctx context.Context, p merge.TargetPeer) error
	RemovePeer(ctx context.Context, key wgconf.Key) error
}
