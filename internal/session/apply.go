package session

import (
	"github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

// ApplyRegister implements raft.SessionHandler: the entry's own index
// becomes the session id (spec.md §3 "Register"). Called synchronously,
// in ascending index order, from raft.Server's apply goroutine, so no
// additional ordering guard is needed here.
func (m *Manager) ApplyRegister(index uint64, body *log.RegisterBody) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceClockLocked(body.Timestamp)
	m.sessions[index] = &session{
		id:            index,
		clientID:      body.ClientID,
		timeoutMs:     body.TimeoutMs,
		lastTimestamp: body.Timestamp,
		nextSequence:  1,
		responses:     make(map[uint64]cachedResponse),
		queuedCmds:    make(map[uint64]*queuedCommand),
	}
	m.log.Printf("registered session %d for client %q (timeout=%dms)", index, body.ClientID, body.TimeoutMs)
	m.resolveControlLocked(index, transport.ErrorNone)
	m.cond.Broadcast()
	return index
}

// ApplyConnect pins a session to the server address it should receive
// published events on (a client may reconnect to any member).
func (m *Manager) ApplyConnect(index uint64, body *log.ConnectBody) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceClockLocked(body.Timestamp)
	s, ok := m.sessions[body.Session]
	if !ok {
		m.resolveControlLocked(index, transport.ErrorUnknownSession)
		return
	}
	s.address = body.Address
	s.lastTimestamp = body.Timestamp
	s.suspect = false
	m.resolveControlLocked(index, transport.ErrorNone)
	m.cond.Broadcast()
}

// ApplyKeepAlive implements spec.md §4.5 "Keep-alive": clears cached
// responses at or below command_seq_ack, drops buffered events at or below
// event_version_ack (and wakes any Command call blocked awaiting that
// ack for a LINEARIZABLE command), and marks the session trusted again.
func (m *Manager) ApplyKeepAlive(index uint64, body *log.KeepAliveBody) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceClockLocked(body.Timestamp)
	s, ok := m.sessions[body.Session]
	if !ok {
		m.resolveControlLocked(index, transport.ErrorUnknownSession)
		return
	}

	for seq := range s.responses {
		if seq <= body.CommandSeqAck {
			delete(s.responses, seq)
		}
	}

	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.version <= body.EventVersionAck {
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	for v, waiters := range m.pendingLinear {
		if v <= body.EventVersionAck {
			for _, w := range waiters {
				close(w)
			}
			delete(m.pendingLinear, v)
		}
	}

	s.lastTimestamp = body.Timestamp
	s.suspect = false
	m.resolveControlLocked(index, transport.ErrorNone)
	m.cond.Broadcast()
}

// ApplyUnregister closes a session, voluntarily or via leader-driven
// expiration (spec.md §4.5 "Session expiration").
func (m *Manager) ApplyUnregister(index uint64, body *log.UnregisterBody) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceClockLocked(body.Timestamp)
	s, ok := m.sessions[body.Session]
	if !ok {
		m.resolveControlLocked(index, transport.ErrorUnknownSession)
		return
	}
	s.closed = true
	m.log.Printf("closed session %d for client %q (expired=%v)", body.Session, s.clientID, body.Expired)
	// Wake anything left blocked on this session's in-flight commands with
	// an unknown-session outcome rather than leaving them hanging forever.
	for seq, qc := range s.queuedCmds {
		m.resolveCommandLocked(qc.index, commandOutcome{err: transport.ErrorUnknownSession})
		delete(s.queuedCmds, seq)
	}
	m.resolveControlLocked(index, transport.ErrorNone)
	m.cond.Broadcast()
}

// ApplyCommand implements spec.md §4.5 "Command application": duplicate
// suppression via the response cache, out-of-order queueing, and in-order
// application draining the queue once the gap fills. The second return
// value reports whether index's entry was actually applied (or otherwise
// resolved) during this call; false means it was queued pending an earlier
// sequence and its log entry must not be marked clean yet, since nothing
// has consumed its payload — a compaction that removed it before
// drainQueuedCommandsLocked eventually applies it would lose the command.
func (m *Manager) ApplyCommand(index uint64, body *log.CommandBody) (statemachine.Result, bool) {
	m.mu.Lock()
	m.advanceClockLocked(body.Timestamp)

	s, ok := m.sessions[body.Session]
	if !ok || s.closed {
		m.resolveCommandLocked(index, commandOutcome{err: transport.ErrorUnknownSession})
		m.mu.Unlock()
		return statemachine.Result{}, true
	}
	s.lastTimestamp = body.Timestamp
	s.suspect = false

	if body.Sequence < s.nextSequence {
		cached, cachedOK := s.responses[body.Sequence]
		result := statemachine.Result{Payload: cached.payload}
		if !cachedOK {
			// Cache entry already trimmed by a later keep-alive ack; the
			// client is re-resending a response it already received.
			result = statemachine.Result{}
		}
		m.resolveCommandLocked(index, commandOutcome{result: result})
		m.mu.Unlock()
		return result, true
	}
	if body.Sequence > s.nextSequence {
		s.queuedCmds[body.Sequence] = &queuedCommand{index: index, body: body}
		m.mu.Unlock()
		return statemachine.Result{}, false
	}

	result := m.applyOneCommandLocked(s, index, body)
	m.drainQueuedCommandsLocked(s)
	m.mu.Unlock()
	return result, true
}

// applyOneCommandLocked runs exactly one in-order command against the
// executor and caches its response. mu is held throughout except while
// blocked in exec.Apply, which is fine: the apply goroutine is the only
// writer of session state, and exec.Apply's own single-owner goroutine
// never calls back into Manager.
func (m *Manager) applyOneCommandLocked(s *session, index uint64, body *log.CommandBody) statemachine.Result {
	s.lastVersion = index
	seq := uint64(0)
	req := &statemachine.ApplyRequest{
		Index:     index,
		Timestamp: body.Timestamp,
		Session:   body.Session,
		Command:   body.Payload,
		OnPublish: func(_ uint64, payload []byte) {
			ev := bufferedEvent{version: index, sequence: seq, payload: payload}
			seq++
			s.events = append(s.events, ev)
			if s.stream != nil {
				_ = s.stream.Send(&transport.PublishRequest{
					SessionID: s.id, EventVersion: ev.version, EventSequence: ev.sequence, Payload: ev.payload,
				})
			}
		},
	}

	m.mu.Unlock()
	result := m.exec.Apply(req)
	m.mu.Lock()

	s.responses[body.Sequence] = cachedResponse{payload: result.Payload}
	s.nextSequence = body.Sequence + 1

	outcome := commandOutcome{result: result}
	if body.Consistency == log.ConsistencyLinearizable && seq > 0 {
		// Block the caller until every event this command published has
		// been acknowledged via the session's next keep-alive (spec.md
		// §4.5: "Linearizable commands block until their events have been
		// acknowledged").
		wait := make(chan struct{})
		m.pendingLinear[index] = append(m.pendingLinear[index], wait)
		go func() {
			<-wait
			m.mu.Lock()
			m.resolveCommandLocked(index, outcome)
			m.mu.Unlock()
		}()
	} else {
		m.resolveCommandLocked(index, outcome)
	}
	m.cond.Broadcast()
	return result
}

func (m *Manager) drainQueuedCommandsLocked(s *session) {
	for {
		qc, ok := s.queuedCmds[s.nextSequence]
		if !ok {
			return
		}
		delete(s.queuedCmds, s.nextSequence)
		m.applyOneCommandLocked(s, qc.index, qc.body)
		m.raft.MarkApplied(qc.index)
	}
}
