// ABOUTME: Package documentation for the service package.
// ABOUTME: Describes the worker model that serializes lifecycle commands.

// Package service runs mimic. A single worker goroutine executes every
// lifecycle command (login, logout, monitoring, reload) in submission order;
// callers block on a Future. Source events flow from the monitor subscription
// through the event queue into the forwarding engine on separate goroutines,
// so a long login batch never stalls forwarding.
package service
