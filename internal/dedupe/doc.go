// Package dedupe provides a bounded LRU cache whose entries are written once.
//
// The monitor uses it to drop source events delivered more than once, and the
// forwarding engine uses it as the in-memory source-to-relayed message id map.
package dedupe
