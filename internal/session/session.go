// Package session implements the linearizability layer of spec.md §4.5:
// client session lifecycle, command sequencing with duplicate suppression,
// query consistency levels, keep-alive driven cache/event trimming, and
// deterministic-clock session expiration. Grounded on the original source's
// io.atomix.catalog.server.state.ServerSession (sequence/version/
// eventVersion/eventSequence/eventAckVersion/timestamp bookkeeping,
// responses cache, queued out-of-order commands) reworked into the tagged-
// struct-plus-mutex style the rest of this module uses instead of the
// original's per-session listener/future machinery. Implements
// raft.SessionHandler (so raft never imports session) and
// transport.ClientHandler.
package session

import (
	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/transport"
)

// cachedResponse is one entry of a session's response cache (spec.md §4.5
// "cache {sequence -> (result, event_future?)}").
type cachedResponse struct {
	payload []byte
}

// queuedCommand is a Command entry that arrived (was applied to the log)
// out of sequence order and is held until its predecessor applies.
type queuedCommand struct {
	index uint64
	body  *log.CommandBody
}

// bufferedEvent is a published event not yet acknowledged by the session's
// next keep-alive (spec.md §4.5 "Events").
type bufferedEvent struct {
	version  uint64
	sequence uint64
	payload  []byte
}

// session is server-side per-client state, one per Register entry (whose
// index becomes the session id).
type session struct {
	id        uint64
	clientID  string
	timeoutMs uint64
	address   string // current Connect address; "" if never connected

	lastTimestamp int64
	suspect       bool
	closed        bool
	expiring      bool // an Unregister{expired:true} is already proposed

	nextSequence uint64 // next expected Command.Sequence
	responses    map[uint64]cachedResponse
	queuedCmds   map[uint64]*queuedCommand
	lastVersion  uint64 // last_applied_version for query gating
	events       []bufferedEvent
	stream       transport.PublishServer
}
