package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/heysubinoy/kvapi/pkg/kv"
)

const defaultApplyTimeout = 5 * time.Second

// Snapshotter is a backend that can serve as a Raft FSM: its whole contents
// can be captured and replaced, and it accepts mutations that are already
// committed to the Raft log.
//
// SetCommitted and DeleteCommitted must never undo a change because
// persisting it failed, since the log already holds it. They return an
// error only when the change could not be applied at all.
type Snapshotter interface {
	kv.Store
	Dump() (map[string]*string, error)
	Restore(data map[string]*string) error
	SetCommitted(ctx context.Context, id string, value *string) error
	DeleteCommitted(ctx context.Context, id string) error
}

// RaftCommand represents a set/delete operation to be applied via Raft.
type RaftCommand struct {
	Op    string  `json:"op"` // "set" or "delete"
	ID    string  `json:"id"`
	Value *string `json:"value,omitempty"` // only for set
}

const (
	opSet    = "set"
	opDelete = "delete"
)

// RaftConfig describes the local Raft node.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
}

// RaftStore replicates mutations through Raft and applies committed entries
// to a local backend. Reads are served from the local backend.
type RaftStore struct {
	backend Snapshotter
	raft    *raft.Raft

	logStore  *raftboltdb.BoltStore
	transport *raft.NetworkTransport

	halted   atomic.Bool
	haltOnce sync.Once
}

// Compile-time checks.
var (
	_ kv.Store = (*RaftStore)(nil)
	_ raft.FSM = (*RaftStore)(nil)

	_ Snapshotter = (*MemStore)(nil)
	_ Snapshotter = (*SnapshotStore)(nil)
	_ Snapshotter = (*BoltStore)(nil)
)

// OpenRaft starts a Raft node whose FSM is backend. Log and stable state
// live in a bbolt file under cfg.DataDir next to the snapshots. With
// cfg.Bootstrap a fresh node forms a single-voter cluster; other nodes are
// expected to be added with Join on the leader.
func OpenRaft(cfg RaftConfig, backend Snapshotter) (*RaftStore, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("raft: creating data dir: %w", err)
	}

	logOut := logger.WithField("subsystem", "raft").Writer()

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.LogOutput = logOut

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raft: resolving %s: %w", cfg.BindAddr, err)
	}
	// A port of 0 is resolved by the listener, so let it advertise itself.
	var advertise net.Addr
	if addr.Port != 0 {
		advertise = addr
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, advertise, 3, 10*time.Second, logOut)
	if err != nil {
		return nil, fmt.Errorf("raft: transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, logOut)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("raft: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("raft: log store: %w", err)
	}

	rs := &RaftStore{backend: backend, logStore: logStore, transport: transport}
	r, err := raft.NewRaft(conf, rs, logStore, logStore, snapshots, transport)
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raft: %w", err)
	}
	rs.raft = r

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, logStore, snapshots)
		if err != nil {
			rs.Close()
			return nil, fmt.Errorf("raft: checking state: %w", err)
		}
		if !hasState {
			f := r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{{ID: conf.LocalID, Address: transport.LocalAddr()}},
			})
			if err := f.Error(); err != nil {
				rs.Close()
				return nil, fmt.Errorf("raft: bootstrap: %w", err)
			}
			logger.WithField("node_id", cfg.NodeID).Info("bootstrapped single-node raft cluster")
		}
	}
	return rs, nil
}

// IsLeader reports whether this node currently leads the cluster.
func (rs *RaftStore) IsLeader() bool {
	return rs.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft address of the current leader, or "".
func (rs *RaftStore) LeaderAddr() string {
	addr, _ := rs.raft.LeaderWithID()
	return string(addr)
}

// Join adds a voter to the cluster. Must be called on the leader.
// Re-joining with an unchanged id and address is a no-op.
func (rs *RaftStore) Join(nodeID, addr string) error {
	if !rs.IsLeader() {
		return kv.ErrNotLeader
	}

	cf := rs.raft.GetConfiguration()
	if err := cf.Error(); err != nil {
		return fmt.Errorf("raft: reading configuration: %w", err)
	}
	for _, srv := range cf.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(addr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(addr) {
			if err := rs.raft.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return fmt.Errorf("raft: removing stale server %s: %w", srv.ID, err)
			}
		}
	}

	if err := rs.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error(); err != nil {
		return fmt.Errorf("raft: adding voter %s: %w", nodeID, err)
	}
	logger.WithField("node_id", nodeID).WithField("addr", addr).Info("node joined cluster")
	return nil
}

// Apply applies a committed Raft log entry to the local store. A committed
// entry is never reported as failed: if the backend cannot apply it the node
// stops, and the entry is replayed from the log on the next start.
func (rs *RaftStore) Apply(l *raft.Log) interface{} {
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("decoding raft command: %w", err)
	}
	ctx := context.Background()
	var err error
	switch cmd.Op {
	case opSet:
		err = rs.backend.SetCommitted(ctx, cmd.ID, cmd.Value)
	case opDelete:
		err = rs.backend.DeleteCommitted(ctx, cmd.ID)
	default:
		return fmt.Errorf("unknown raft op %q", cmd.Op)
	}
	if err != nil {
		rs.halt(l.Index, err)
	}
	return nil
}

// halt stops the node after a committed entry could not be applied. It must
// not wait for the shutdown: Apply runs on the goroutine Shutdown waits for.
func (rs *RaftStore) halt(index uint64, err error) {
	rs.haltOnce.Do(func() {
		rs.halted.Store(true)
		logger.WithError(err).WithField("index", index).
			Error("cannot apply committed raft entry, stopping node")
		if rs.raft != nil {
			go rs.raft.Shutdown()
		}
	})
}

// Snapshot captures the full backend contents.
func (rs *RaftStore) Snapshot() (raft.FSMSnapshot, error) {
	data, err := rs.backend.Dump()
	if err != nil {
		return nil, err
	}
	return &mapSnapshot{data: data}, nil
}

// Restore replaces the backend contents with a snapshot.
func (rs *RaftStore) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data map[string]*string
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decoding raft snapshot: %w", err)
	}
	if data == nil {
		data = make(map[string]*string)
	}
	return rs.backend.Restore(data)
}

type mapSnapshot struct {
	data map[string]*string
}

func (m *mapSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(m.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("writing raft snapshot: %w", err)
	}
	return sink.Close()
}

func (m *mapSnapshot) Release() {}

// Set submits a set command to Raft.
func (rs *RaftStore) Set(ctx context.Context, id string, value *string) error {
	return rs.propose(ctx, RaftCommand{Op: opSet, ID: id, Value: value})
}

// Delete submits a delete command to Raft.
func (rs *RaftStore) Delete(ctx context.Context, id string) error {
	return rs.propose(ctx, RaftCommand{Op: opDelete, ID: id})
}

// Get reads directly from the local store.
func (rs *RaftStore) Get(ctx context.Context, id string) (*string, error) {
	return rs.backend.Get(ctx, id)
}

// Ready reports whether the local backend is usable and a leader is known.
func (rs *RaftStore) Ready(ctx context.Context) bool {
	return !rs.halted.Load() && rs.backend.Ready(ctx) && rs.LeaderAddr() != ""
}

func (rs *RaftStore) propose(ctx context.Context, cmd RaftCommand) error {
	if rs.halted.Load() {
		return fmt.Errorf("%w: raft node stopped", kv.ErrUnavailable)
	}
	if !rs.IsLeader() {
		return kv.ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encoding raft command: %w", kv.ErrBackendFailed, err)
	}

	timeout := defaultApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return fmt.Errorf("%w: %w", kv.ErrBackendFailed, context.DeadlineExceeded)
		}
	}
	f := rs.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %w", kv.ErrNotLeader, err)
		}
		return fmt.Errorf("%w: raft apply: %w", kv.ErrBackendFailed, err)
	}
	if resp, ok := f.Response().(error); ok && resp != nil {
		return fmt.Errorf("%w: %w", kv.ErrBackendFailed, resp)
	}
	return nil
}

// Close shuts the node down and releases its stores.
func (rs *RaftStore) Close() error {
	var errs []error
	if rs.raft != nil {
		errs = append(errs, rs.raft.Shutdown().Error())
	}
	if rs.transport != nil {
		errs = append(errs, rs.transport.Close())
	}
	if rs.logStore != nil {
		errs = append(errs, rs.logStore.Close())
	}
	return errors.Join(errs...)
}
