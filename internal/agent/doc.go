// Package agent owns the pool of automated accounts that clone source identities.
//
// # Overview
//
// Every credential in the credential store becomes one Agent. The credential
// named by the store's MonitorName is the monitoring agent; all others are
// cloning agents. Agents move through three states:
//
//	Unauthorized -> Authorized -> Retired
//	     ^              |
//	     +-- logout ----+
//
// Retired is terminal. An agent is retired when the remote service reports
// its credentials as invalid mid-session ("frozen").
//
// # Pool
//
//	pool := agent.NewPool(agent.PoolConfig{
//	    Credentials: creds,
//	    Dialer:      dialer,
//	    Recorder:    store,
//	    Logger:      logger,
//	})
//
// Key operations:
//
//   - LoadAll(): Add agents for credentials not yet tracked
//   - Authorize(ctx, id): Connect and confirm the credential
//   - Deauthorize(id): Disconnect, keeping the identity binding
//   - FindAssignment(identity): Agent already bound to an identity
//   - ClaimUnassigned(): First free authorized cloning agent
//   - Assign(ctx, agent, identity): Bind an identity to an agent
//   - Retire(ctx, agent) / Reap(ctx, agent): Take a frozen agent out of service
//
// # Identity bindings
//
// At most one non-retired agent holds a given identity, and each agent holds
// at most one identity. A binding never moves to another agent; it ends only
// when its agent is retired.
//
// # Locks
//
// LockSet holds two lock domains. The identity lock is held for the whole of
// processing one event from that identity. The agent lock is held for every
// remote action the agent performs. Acquire the identity lock first, then the
// agent lock.
//
// Identity locks are created on first use and dropped when idle, unless the
// identity is pinned by an assignment. Agent locks exist only while the agent
// is authorized; LockAgent reports false for an agent that was logged out or
// retired while the caller waited.
package agent
