// Package raft implements the consensus layer of spec.md §4.4: role
// transitions, leader election with pre-vote, log replication with
// median-match-index commit advancement, and single-change membership
// reconfiguration. Grounded on the teacher's internal/raft/server package
// (serverState's mutex-guarded getters/setters, the Orchestrator/jobs.go
// event-loop shape, getElectionTimeoutMs's randomized range, transport.go's
// retry-backoff client), generalized from the teacher's unfinished,
// hardcoded two-node stub into the full role/replication/membership state
// machine spec.md §4.4 names.
package raft

import (
	"time"

	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/transport"
)

// Config configures one Server. Election/heartbeat timing follows the
// teacher's getElectionTimeoutMs (150-300ms) with the heartbeat interval
// held to a fraction of the minimum election timeout, per spec.md §5's
// "broadcast time should stay an order of magnitude below the election
// timeout".
type Config struct {
	ID            transport.ServerID
	ServerAddress transport.ServerAddress
	ClientAddress transport.ServerAddress

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	// MaxAppendEntries bounds one AppendEntries batch (spec.md §4.4
	// "Batch up to MAX_BATCH_SIZE bytes" — bounded by entry count here for
	// simplicity, matching the teacher's lack of a byte-budget batcher).
	MaxAppendEntries int

	// Bootstrap is the initial configuration used only when the meta store
	// has never persisted one (first boot of a fresh cluster).
	Bootstrap []log.Member
}

// DefaultConfig returns a Config with the teacher's timing constants.
func DefaultConfig(id transport.ServerID, serverAddr, clientAddr transport.ServerAddress) Config {
	return Config{
		ID:                 id,
		ServerAddress:      serverAddr,
		ClientAddress:      clientAddr,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		MaxAppendEntries:   64,
	}
}
