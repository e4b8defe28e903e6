package statemachine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/atomix/catalog/internal/logging"
)

// KV is a reference key-value state machine, adapted from the teacher's
// KVStateMachine (internal/raft/state_machine/kv_state_machine.go): same
// "SET key=value" / "DEL key" / "GET key" command grammar and per-op logging, extended
// to satisfy this package's Context-based Apply, publish a change event on
// every write, and support Snapshot/Restore.
type KV struct {
	mu    sync.RWMutex
	store map[string]string
	log   *logging.Logger
}

// NewKV creates an empty key-value state machine.
func NewKV(serverID string) *KV {
	return &KV{
		store: make(map[string]string),
		log:   logging.New(fmt.Sprintf("KV-SM-%s", serverID)),
	}
}

// Event is published on Context.Publish after every successful write.
type Event struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Apply parses command as "SET key=value", "DEL key" or "GET key". DEL is a tombstone
// (spec.md's per-command Tombstone classification): it cancels the
// contribution of any earlier SET to the same key, so major compaction may
// discard both once major_compact_index covers the DEL.
func (kv *KV) Apply(ctx Context, command []byte) Result {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	parts := strings.Fields(string(command))
	if len(parts) == 0 {
		return Result{Err: fmt.Errorf("kv: empty command")}
	}

	op := strings.ToUpper(parts[0])
	switch op {
	case "SET":
		if len(parts) < 2 {
			return Result{Err: fmt.Errorf("kv: SET requires key=value")}
		}
		kvPair := strings.SplitN(parts[1], "=", 2)
		if len(kvPair) != 2 {
			return Result{Err: fmt.Errorf("kv: malformed SET argument %q", parts[1])}
		}
		key, value := kvPair[0], kvPair[1]
		kv.store[key] = value
		kv.log.Printf("applied SET %s=%s (index=%d)", key, value, ctx.Index())
		ctx.Publish(mustMarshal(Event{Op: "SET", Key: key, Value: value}))
		return Result{Payload: []byte("OK"), Tombstone: false}

	case "DEL":
		if len(parts) < 2 {
			return Result{Err: fmt.Errorf("kv: DEL requires a key")}
		}
		key := parts[1]
		_, existed := kv.store[key]
		delete(kv.store, key)
		kv.log.Printf("applied DEL %s (index=%d)", key, ctx.Index())
		ctx.Publish(mustMarshal(Event{Op: "DEL", Key: key}))
		return Result{Payload: []byte(fmt.Sprintf("%v", existed)), Tombstone: true}

	case "GET":
		if len(parts) < 2 {
			return Result{Err: fmt.Errorf("kv: GET requires a key")}
		}
		value, ok := kv.store[parts[1]]
		if !ok {
			return Result{Err: fmt.Errorf("kv: key %q not found", parts[1])}
		}
		return Result{Payload: []byte(value)}

	default:
		kv.log.Printf("unknown command %q (index=%d)", command, ctx.Index())
		return Result{Err: fmt.Errorf("kv: unknown command %q", op)}
	}
}

// IsTombstone implements TombstoneClassifier: DEL cancels the contribution
// of any earlier SET to the same key (spec.md §3 "is_tombstone"), so it
// must be classified from the command grammar alone, before Apply ever
// runs, so the log entry it becomes carries the right compaction
// eligibility from the start.
func (kv *KV) IsTombstone(command []byte) bool {
	parts := strings.Fields(string(command))
	return len(parts) > 0 && strings.ToUpper(parts[0]) == "DEL"
}

// Snapshot serializes the entire key space.
func (kv *KV) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return json.Marshal(kv.store)
}

// Restore replaces the key space with a previously captured snapshot.
func (kv *KV) Restore(data []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	store := make(map[string]string)
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("kv: restore: %w", err)
	}
	kv.store = store
	return nil
}

func mustMarshal(e Event) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Event only ever contains plain strings; this cannot fail.
		panic(err)
	}
	return data
}

var _ StateMachine = (*KV)(nil)
