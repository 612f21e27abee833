package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/heysubinoy/kvapi/internal/auth"
	"github.com/heysubinoy/kvapi/internal/store"
	"github.com/heysubinoy/kvapi/pkg/config"
	"github.com/heysubinoy/kvapi/pkg/kv"
)

// backend is the opened storage plus whatever must be released on shutdown.
type backend struct {
	store kv.Store
	close func() error
}

// openBackend opens the storage named by cfg.Backend. A relational backend
// that cannot be reached still comes up, degraded, so the HTTP surface
// stays available and reports db errors.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &backend{store: store.NewMemStore(), close: noClose}, nil

	case config.BackendFile:
		s, err := store.OpenSnapshot(cfg.DataFile)
		if err != nil {
			return nil, err
		}
		return &backend{store: s, close: noClose}, nil

	case config.BackendBolt:
		s, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &backend{store: s, close: s.Close}, nil

	case config.BackendSQL:
		s, err := store.OpenSQL(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Error("cannot open database, serving without one")
			s, _ = store.OpenSQL(ctx, "")
		}
		return &backend{store: s, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func noClose() error { return nil }

// withRaft puts b behind a Raft node. The backend must support snapshots.
func withRaft(cfg config.RaftConfig, b *backend) (*store.RaftStore, error) {
	snap, ok := b.store.(store.Snapshotter)
	if !ok {
		return nil, fmt.Errorf("backend %T cannot be replicated", b.store)
	}
	rs, err := store.OpenRaft(store.RaftConfig{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.Addr,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.Bootstrap,
	}, snap)
	if err != nil {
		return nil, err
	}
	closeBackend := b.close
	b.store = rs
	b.close = func() error {
		rerr := rs.Close()
		if err := closeBackend(); err != nil {
			return err
		}
		return rerr
	}
	return rs, nil
}

// joinCluster asks the member at target to add this node as a voter.
func joinCluster(ctx context.Context, target, token, nodeID, raftAddr string) error {
	body, err := json.Marshal(map[string]string{"id": nodeID, "addr": raftAddr})
	if err != nil {
		return err
	}
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(target, "/")+"/raft/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.Header, token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("join %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("join %s: status %d: %s", target, resp.StatusCode, e.Error)
	}
	return nil
}
