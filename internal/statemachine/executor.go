package statemachine

import "github.com/atomix/catalog/internal/logging"

// ApplyRequest carries one committed entry's command across the boundary
// from the server context to the state-machine context (spec.md §5:
// "Messages cross the boundary via future-completions posted back to the
// owner context. No shared mutable state crosses these threads."). Replaces
// the teacher's direct proto.LogEntry-slice Apply call, which ran on the
// same goroutine as RPC handling.
type ApplyRequest struct {
	Index     uint64
	Timestamp int64
	Session   uint64
	Command   []byte
	// OnPublish is invoked synchronously from within Apply, once per event,
	// in ascending event_sequence order starting at 0.
	OnPublish func(eventSequence uint64, payload []byte)
	Done      chan<- Result
}

type applyContext struct {
	req    *ApplyRequest
	nextEv uint64
}

func (c *applyContext) Index() uint64     { return c.req.Index }
func (c *applyContext) Timestamp() int64  { return c.req.Timestamp }
func (c *applyContext) Session() uint64   { return c.req.Session }
func (c *applyContext) Publish(payload []byte) {
	if c.req.OnPublish == nil {
		return
	}
	c.req.OnPublish(c.nextEv, payload)
	c.nextEv++
}

// snapshotRequest and restoreRequest let callers reach into the executor's
// single-owner state without a mutex, mirroring ApplyRequest's shape.
type snapshotRequest struct {
	done chan<- snapshotResult
}

type snapshotResult struct {
	data []byte
	err  error
}

type restoreRequest struct {
	data []byte
	done chan<- error
}

// Executor owns the user StateMachine on a single goroutine (spec.md §5's
// "state-machine context"), applying committed entries strictly in the
// order they are submitted. The server context (raft.Server) never touches
// sm directly; it only ever sends on applyCh, snapshotCh and restoreCh.
type Executor struct {
	sm  StateMachine
	log *logging.Logger

	applyCh    chan *ApplyRequest
	snapshotCh chan *snapshotRequest
	restoreCh  chan *restoreRequest
	stopCh     chan struct{}
}

func NewExecutor(sm StateMachine, log *logging.Logger) *Executor {
	return &Executor{
		sm:         sm,
		log:        log,
		applyCh:    make(chan *ApplyRequest, 256),
		snapshotCh: make(chan *snapshotRequest),
		restoreCh:  make(chan *restoreRequest),
		stopCh:     make(chan struct{}),
	}
}

// Run drains applyCh/snapshotCh/restoreCh until Close is called. Run as a
// single goroutine for the lifetime of the server.
func (e *Executor) Run() {
	for {
		select {
		case req := <-e.applyCh:
			ctx := &applyContext{req: req}
			result := e.sm.Apply(ctx, req.Command)
			if req.Done != nil {
				req.Done <- result
			}
		case req := <-e.snapshotCh:
			data, err := e.sm.Snapshot()
			req.done <- snapshotResult{data: data, err: err}
		case req := <-e.restoreCh:
			req.done <- e.sm.Restore(req.data)
		case <-e.stopCh:
			return
		}
	}
}

// IsTombstone consults the underlying state machine's TombstoneClassifier,
// if it implements one, to classify a command before it's proposed. State
// machines that don't implement TombstoneClassifier never produce
// tombstones. Safe to call from any goroutine: classification is defined
// to be a pure function of the command bytes, never touching sm's owned
// state, so it doesn't need to go through applyCh.
func (e *Executor) IsTombstone(command []byte) bool {
	classifier, ok := e.sm.(TombstoneClassifier)
	if !ok {
		return false
	}
	return classifier.IsTombstone(command)
}

// Submit enqueues req for application and returns immediately; the result
// arrives on req.Done. Ordering across Submit calls from the same caller
// goroutine is preserved by applyCh's FIFO discipline.
func (e *Executor) Submit(req *ApplyRequest) {
	e.applyCh <- req
}

// Apply is the synchronous convenience wrapper used by tests and by code
// that doesn't need to pipeline requests.
func (e *Executor) Apply(req *ApplyRequest) Result {
	done := make(chan Result, 1)
	req.Done = done
	e.Submit(req)
	return <-done
}

func (e *Executor) Snapshot() ([]byte, error) {
	done := make(chan snapshotResult, 1)
	e.snapshotCh <- &snapshotRequest{done: done}
	res := <-done
	return res.data, res.err
}

func (e *Executor) Restore(data []byte) error {
	done := make(chan error, 1)
	e.restoreCh <- &restoreRequest{data: data, done: done}
	return <-done
}

func (e *Executor) Close() {
	close(e.stopCh)
}
