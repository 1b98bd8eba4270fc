// Package agent defines the capability interfaces the core consumes:
// agent backends, reviewers and verification runners. The core never
// branches on backend identity; prompt construction, transport and
// output parsing all live behind Invoke.
package agent
