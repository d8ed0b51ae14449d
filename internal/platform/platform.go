// Package platform abstracts the interrupt-masking capability the dispatcher
// and the resource arbiter need from the target.
//
// On a Cortex-M part RaiseCeiling/Restore map onto BASEPRI writes and
// WaitForInterrupt onto WFI. Sim provides the same contract in software.
package platform

import (
	"context"

	"github.com/me/rtdispatch/pkg/model"
)

// Platform is injected into the dispatcher at init time.
type Platform interface {
	// RaiseCeiling masks every task at or below level and returns the mask
	// level that was in effect before. Lowering through RaiseCeiling is a no-op.
	RaiseCeiling(level model.Priority) model.Priority

	// Restore reinstates a mask level previously returned by RaiseCeiling.
	Restore(previous model.Priority)

	// Level returns the current mask level.
	Level() model.Priority

	// WaitForInterrupt parks the core until Wake is called or ctx is done.
	// A Wake that arrives before the wait starts is not lost.
	WaitForInterrupt(ctx context.Context) error

	// Wake signals that an interrupt fired.
	Wake()
}
