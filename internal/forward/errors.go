// ABOUTME: Sentinel errors for the forwarding engine.
// ABOUTME: Every one of them is local to a single event; none stops the engine.

package forward

import (
	"errors"

	"github.com/2389/mimic/internal/agent"
)

var (
	// ErrUnresolvedReference indicates the sender could not be resolved; the event is dropped.
	ErrUnresolvedReference = errors.New("unresolved sender")

	// ErrUnmappedReplyTarget indicates a reply whose target was never relayed.
	// The reply is relayed as a standalone message.
	ErrUnmappedReplyTarget = errors.New("reply target not mapped")

	// ErrMonitorOffline indicates no authorized monitor agent is available to read source content.
	ErrMonitorOffline = agent.ErrMonitorOffline
)
