// Command catalognode boots a demo Raft cluster in one process and drives a
// synthetic client against it, adapted from the teacher's cmd/app/main.go
// (reserveAddresses/createCluster/bootCluster/listenForShutdown/
// gracefullyShutdownCluster), generalized from the teacher's hardcoded
// two-node stub to the full internal/raft + internal/session stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	ndlog "github.com/atomix/catalog/internal/log"
	"github.com/atomix/catalog/internal/logging"
	"github.com/atomix/catalog/internal/meta"
	"github.com/atomix/catalog/internal/pubsub"
	"github.com/atomix/catalog/internal/raft"
	"github.com/atomix/catalog/internal/session"
	"github.com/atomix/catalog/internal/snapshot"
	"github.com/atomix/catalog/internal/statemachine"
	"github.com/atomix/catalog/internal/transport"
)

func main() {
	clusterSize := flag.Int("cluster-size", 3, "number of raft members to boot in this process")
	basePort := flag.Int("base-port", 51000, "first port assigned to a member; each member takes one port, serving both peer and client RPCs")
	dataDir := flag.String("data-dir", "", "directory for on-disk log/meta/snapshot state; empty keeps meta in memory and puts log/snapshot files under /tmp")
	flag.Parse()

	addrs := reserveAddresses(*clusterSize, *basePort)
	nodes := createCluster(addrs, *dataDir)

	done := make(chan struct{})
	go listenForShutdown(nodes, done)

	bootCluster(nodes)
	go runDemoClient(nodes)

	<-done
}

// node bundles one member's collaborators so main can boot, address, and
// gracefully stop it as a unit.
type node struct {
	id         transport.ServerID
	clientAddr transport.ServerAddress
	server     *raft.Server
	mgr        *session.Manager
	grpcSrv    *grpc.Server
	exec       *statemachine.Executor
	logs       *ndlog.Manager
	metaStore  *meta.Store
	snap       *snapshot.Store
	bus        *pubsub.Bus
	listener   net.Listener
}

func reserveAddresses(clusterSize, basePort int) []transport.ServerAddress {
	addrs := make([]transport.ServerAddress, clusterSize)
	for i := 0; i < clusterSize; i++ {
		addrs[i] = transport.ServerAddress(fmt.Sprintf("127.0.0.1:%d", basePort+i))
	}
	return addrs
}

// createCluster constructs every member's storage/transport/consensus/
// session stack and wires the shared bootstrap configuration (all members
// Active from genesis). It starts each member's executor goroutine and opens
// its listener, but serving RPCs and consensus start later, in bootCluster.
func createCluster(addrs []transport.ServerAddress, dataDir string) []*node {
	members := make([]ndlog.Member, len(addrs))
	ids := make([]transport.ServerID, len(addrs))
	for i, addr := range addrs {
		ids[i] = transport.ServerID(fmt.Sprintf("node-%d", i))
		members[i] = ndlog.Member{ID: string(ids[i]), Type: ndlog.MemberActive, ServerAddress: string(addr)}
	}

	nodes := make([]*node, len(addrs))
	for i, addr := range addrs {
		id := ids[i]

		metaStore := openMeta(dataDir, id)
		logs := openLog(dataDir, id)
		snap := openSnapshot(dataDir, id)

		kv := statemachine.NewKV(string(id))
		exec := statemachine.NewExecutor(kv, logging.New(fmt.Sprintf("exec-%s", id)))
		go exec.Run()

		tr := transport.NewGRPCTransport()
		bus := pubsub.New()

		cfg := raft.DefaultConfig(id, addr, addr)
		cfg.Bootstrap = members

		srv, err := raft.New(cfg, metaStore, logs, snap, exec, tr, bus)
		if err != nil {
			log.Fatalf("node %s: failed to construct raft server: %v", id, err)
		}
		mgr := session.NewManager(srv, exec, logging.New(fmt.Sprintf("session-%s", id)))
		srv.SetSessionHandler(mgr)

		lis, err := net.Listen("tcp", string(addr))
		if err != nil {
			log.Fatalf("node %s: failed to listen on %s: %v", id, addr, err)
		}

		grpcSrv := grpc.NewServer()
		transport.RegisterPeerService(grpcSrv, srv)
		transport.RegisterClientService(grpcSrv, mgr)

		nodes[i] = &node{
			id:         id,
			clientAddr: addr,
			server:     srv,
			mgr:        mgr,
			grpcSrv:    grpcSrv,
			exec:       exec,
			logs:       logs,
			metaStore:  metaStore,
			snap:       snap,
			bus:        bus,
			listener:   lis,
		}
	}
	return nodes
}

func openMeta(dataDir string, id transport.ServerID) *meta.Store {
	if dataDir == "" {
		return meta.OpenMemory()
	}
	store, err := meta.Open(fmt.Sprintf("%s/%s.meta", dataDir, id))
	if err != nil {
		log.Fatalf("node %s: failed to open meta store: %v", id, err)
	}
	return store
}

func openLog(dataDir string, id transport.ServerID) *ndlog.Manager {
	dir := dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/catalognode-%s-%d", id, time.Now().UnixNano())
	} else {
		dir = fmt.Sprintf("%s/%s-log", dataDir, id)
	}
	logs, err := ndlog.Open(dir, 4096, 64<<20)
	if err != nil {
		log.Fatalf("node %s: failed to open log: %v", id, err)
	}
	return logs
}

func openSnapshot(dataDir string, id transport.ServerID) *snapshot.Store {
	path := fmt.Sprintf("/tmp/catalognode-%s-%d.snap", id, time.Now().UnixNano())
	if dataDir != "" {
		path = fmt.Sprintf("%s/%s.snap", dataDir, id)
	}
	snap, err := snapshot.Open(path)
	if err != nil {
		log.Fatalf("node %s: failed to open snapshot store: %v", id, err)
	}
	return snap
}

// bootCluster starts every member's gRPC listener before starting any
// consensus goroutine, mirroring the teacher's two-phase bootCluster
// (listen first, then run orchestrators) so peers can dial each other as
// soon as the first election timeout fires.
func bootCluster(nodes []*node) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			log.Printf("node %s listening on %s", n.id, n.clientAddr)
			if err := n.grpcSrv.Serve(n.listener); err != nil && err != grpc.ErrServerStopped {
				log.Printf("node %s: grpc server exited: %v", n.id, err)
			}
		}(n)
	}

	time.Sleep(100 * time.Millisecond)
	for _, n := range nodes {
		n.server.Start()
	}
	log.Printf("started %d nodes, election timers running", len(nodes))
}

// runDemoClient exercises Register/Command/KeepAlive against whichever
// member currently answers as leader, replacing the teacher's absent
// client demo with one that walks this spec's session lifecycle.
func runDemoClient(nodes []*node) {
	time.Sleep(500 * time.Millisecond)
	clientID := uuid.NewString()
	logger := logging.New("demo-client")

	leader := findLeader(nodes)
	if leader == nil {
		logger.Printf("no leader elected, demo client exiting")
		return
	}

	reg, err := leader.mgr.Register(context.Background(), &transport.RegisterRequest{ClientID: clientID, TimeoutMs: 5000})
	if err != nil || reg.Status != transport.StatusOK {
		logger.Printf("register failed: err=%v status=%v", err, reg)
		return
	}
	logger.Printf("registered session %d", reg.SessionID)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	seq := uint64(1)
	for range ticker.C {
		cmd := fmt.Sprintf("SET counter=%d", seq)
		resp, err := leader.mgr.Command(context.Background(), &transport.CommandRequest{
			SessionID: reg.SessionID, Sequence: seq, Payload: []byte(cmd), Consistency: ndlog.ConsistencySequential,
		})
		if err != nil {
			logger.Printf("command %d failed: %v", seq, err)
			continue
		}
		logger.Printf("applied %q -> status=%v result=%s", cmd, resp.Status, resp.Result)
		seq++

		if seq%10 == 0 {
			if _, err := leader.mgr.KeepAlive(context.Background(), &transport.KeepAliveRequest{
				SessionID: reg.SessionID, CommandSeqAck: seq - 1,
			}); err != nil {
				logger.Printf("keep-alive failed: %v", err)
			}
		}
	}
}

func findLeader(nodes []*node) *node {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.server.Role() == raft.RoleLeader {
				return n
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

func listenForShutdown(nodes []*node, done chan struct{}) {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")
	stop()

	forceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gracefulDone := gracefullyShutdownCluster(nodes)
	select {
	case <-gracefulDone:
		log.Println("all nodes shut down gracefully")
	case <-forceCtx.Done():
		log.Println("graceful shutdown timeout reached, forcing shutdown")
		for _, n := range nodes {
			n.grpcSrv.Stop()
		}
	}

	log.Println("cluster exiting")
	close(done)
}

func gracefullyShutdownCluster(nodes []*node) chan struct{} {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			n.server.Close()
			n.grpcSrv.GracefulStop()
			n.exec.Close()
			n.bus.Close()
			_ = n.logs.Close()
			_ = n.metaStore.Close()
			_ = n.snap.Close()
		}(n)
	}

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	return doneCh
}
