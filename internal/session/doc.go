// Package session orchestrates bulk authorization of the agent pool.
//
// Logins, logouts and target-room joins run per agent and report one
// Outcome each; a failing agent never stops the rest of the batch. Logins
// and joins run with bounded parallelism and keep pool order in the report.
package session
