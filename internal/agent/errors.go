// ABOUTME: Sentinel errors for agent pool operations.
// ABOUTME: Match with errors.Is; transport causes stay wrapped underneath.

package agent

import "errors"

var (
	// ErrAgentNotFound indicates the agent id is not tracked by the pool.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNotAuthorized indicates the stored credential is no longer valid.
	// The credential has been deleted and the agent dropped from the pool.
	ErrNotAuthorized = errors.New("agent not authorized")

	// ErrTransportUnavailable indicates the remote service could not be reached.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNoAgentAvailable indicates every authorized cloning agent is already assigned.
	ErrNoAgentAvailable = errors.New("no agent available")

	// ErrAgentRetired indicates the agent was frozen and can no longer act.
	ErrAgentRetired = errors.New("agent retired")

	// ErrAgentOffline indicates the agent is not currently authorized.
	ErrAgentOffline = errors.New("agent offline")

	// ErrAgentTaken indicates the agent was assigned to another identity first.
	ErrAgentTaken = errors.New("agent already assigned")
)
