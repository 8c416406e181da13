// Package tests contains helpers for end-to-end tests against a live node.
package tests

import (
	"os"
	"testing"
)

// NodeRPCEnv names the environment variable holding the websocket endpoint
// of the node end-to-end tests run against.
const NodeRPCEnv = "CI_TEST_NODE_RPC"

// SkipUnlessE2E skips the test unless a node endpoint is configured.
func SkipUnlessE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
	if NodeRPC() == "" {
		t.Skipf("skipping end-to-end test; set %s to a node endpoint", NodeRPCEnv)
	}
}

// NodeRPC returns the configured node endpoint, if any.
func NodeRPC() string {
	return os.Getenv(NodeRPCEnv)
}
