package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"
)

// Scheme is the gRPC target scheme this package registers: peers are dialed
// as "raft:///<ServerID>" and resolved to their current network address
// through the in-process registry below, so a member's stable ServerID
// never has to change even if its address does. Adapted directly from the
// teacher's internal/raft/server/grpc_raft_resolver.go.
const Scheme = "raft"

type idRegistry struct {
	mu       sync.RWMutex
	records  map[ServerID]ServerAddress
	watchers map[ServerID]map[*raftResolver]struct{}
}

var globalIDRegistry = &idRegistry{
	records:  make(map[ServerID]ServerAddress),
	watchers: make(map[ServerID]map[*raftResolver]struct{}),
}

// RegisterPeer sets/updates the address for id and notifies any active
// resolvers watching it.
func RegisterPeer(id ServerID, addr ServerAddress) {
	globalIDRegistry.mu.Lock()
	globalIDRegistry.records[id] = addr
	watchers := globalIDRegistry.watchers[id]
	globalIDRegistry.mu.Unlock()

	for w := range watchers {
		w.pushCurrent()
	}
}

type raftBuilder struct{}

func (raftBuilder) Scheme() string { return Scheme }

func (raftBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := ServerID(target.Endpoint())
	if id == "" {
		if p := target.URL.Path; len(p) > 0 {
			if p[0] == '/' {
				p = p[1:]
			}
			id = ServerID(p)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("transport: raft resolver: empty target endpoint: %+v", target)
	}

	r := &raftResolver{id: id, cc: cc}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type raftResolver struct {
	id ServerID
	cc resolver.ClientConn
}

func (r *raftResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *raftResolver) Close() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	if set, ok := globalIDRegistry.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(globalIDRegistry.watchers, r.id)
		}
	}
}

func (r *raftResolver) subscribe() {
	globalIDRegistry.mu.Lock()
	defer globalIDRegistry.mu.Unlock()
	set := globalIDRegistry.watchers[r.id]
	if set == nil {
		set = make(map[*raftResolver]struct{})
		globalIDRegistry.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *raftResolver) pushCurrent() {
	globalIDRegistry.mu.RLock()
	addr, ok := globalIDRegistry.records[r.id]
	globalIDRegistry.mu.RUnlock()

	if !ok || addr == "" {
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = r.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: string(addr)}}})
}

func init() {
	resolver.Register(raftBuilder{})
}
