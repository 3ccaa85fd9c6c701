// ABOUTME: Package documentation for the control API.
// ABOUTME: Lists the routes and how authentication is applied.

// Package control exposes mimic's lifecycle commands as a small JSON HTTP
// API. Every /api/ route requires an HS256 bearer token when a JWT secret is
// configured; /health never does. The listener is plain TCP or a Tailscale
// node.
package control
