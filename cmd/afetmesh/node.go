package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bit2swaz/afetmesh/internal/config"
	"github.com/bit2swaz/afetmesh/internal/core"
	"github.com/bit2swaz/afetmesh/internal/discovery"
	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
	"github.com/bit2swaz/afetmesh/internal/radio"
	"github.com/bit2swaz/afetmesh/internal/store"
	"gorm.io/gorm"
)

const (
	identityFile     = "identity.json"
	databaseFile     = "node.db"
	simRange         = 100.0
	simSpacing       = 80.0
	historyRetention = 7 * 24 * time.Hour
)

// node bundles everything a running relay owns.
type node struct {
	cfg *config.Config
	db  *gorm.DB
	id  core.Identity
	eng *engine.Engine
	lan *radio.LANRadio

	// Virtual neighbours when running on the simulated radio.
	sims []*engine.Engine
}

func openNode(ctx context.Context, cfg *config.Config) (*node, error) {
	db, err := store.Init(cfg.Path(databaseFile))
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	id, err := core.LoadOrGenerateIdentity(cfg.Path(identityFile))
	if err != nil {
		store.Close(db)
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	n := &node{cfg: cfg, db: db, id: id}
	tr, err := n.openRadio()
	if err != nil {
		store.Close(db)
		return nil, err
	}

	q := queue.New(
		queue.WithPolicy(cfg.QueuePolicy()),
		queue.WithStore(store.NewQueueStore(db)),
	)
	n.eng, err = engine.New(cfg.EngineConfig(), tr, id, engine.WithQueue(q))
	if err != nil {
		n.Close()
		return nil, err
	}
	n.eng.SetLocation(cfg.Location())
	return n, nil
}

func (n *node) openRadio() (radio.Transport, error) {
	switch n.cfg.Radio.Kind {
	case "lan":
		n.lan = radio.NewLANRadio(radio.LANConfig{
			ServiceID:     n.cfg.Radio.ServiceID,
			NodeID:        n.id.NodeID,
			Nick:          n.cfg.Node.Name,
			Port:          n.cfg.Radio.Port,
			DiscoveryPort: n.cfg.Radio.DiscoveryPort,
			BeaconPorts:   n.cfg.Radio.DiscoveryPorts,
			Signal:        n.cfg.Radio.LANSignal,
		})
		return n.lan, nil
	case "sim":
		air := radio.NewAir(simRange)
		local := air.Join(n.id.NodeID, n.cfg.Node.Name, 0, 0)
		local.Advertise(n.cfg.Radio.ServiceID)
		for i := 1; i <= n.cfg.Radio.SimPeers; i++ {
			vid, err := core.GenerateIdentity()
			if err != nil {
				return nil, err
			}
			r := air.Join(vid.NodeID, fmt.Sprintf("sim-%d", i), float64(i)*simSpacing, 0)
			r.Advertise(n.cfg.Radio.ServiceID)
			eng, err := engine.New(n.cfg.EngineConfig(), r, vid,
				engine.WithLogger(slog.Default().With("sim", i)))
			if err != nil {
				return nil, err
			}
			loc := n.cfg.Location()
			loc.Lon = min(loc.Lon+float64(i)*0.001, 180)
			eng.SetLocation(loc)
			n.sims = append(n.sims, eng)
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unknown radio kind %q", n.cfg.Radio.Kind)
	}
}

// Start brings up the radio, the engine and the peer reaper.
func (n *node) Start(ctx context.Context) error {
	if n.lan != nil {
		if err := n.lan.Start(ctx); err != nil {
			return fmt.Errorf("failed to start LAN radio: %w", err)
		}
		slog.Info("LAN radio listening", "port", n.lan.Port())
	}
	for _, s := range n.sims {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	if err := n.eng.Start(ctx); err != nil {
		return err
	}
	go discovery.StartReaper(ctx, n.db, n.cfg.Engine.HousekeepingInterval, n.cfg.Engine.PeerTimeout)
	return nil
}

func (n *node) Close() {
	if n.eng != nil {
		n.eng.Stop()
	}
	for _, s := range n.sims {
		s.Stop()
	}
	if n.lan != nil {
		n.lan.Close()
	}
	if err := store.Close(n.db); err != nil {
		slog.Warn("Failed to close DB", "error", err)
	}
}

// record mirrors engine events into the database for the history view and
// the web API. It returns when ctx is done or the engine stops.
func (n *node) record(ctx context.Context, sub *engine.Subscription) {
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	save := func(r envelope.Record, from string, at time.Time) {
		msg, err := store.NewMessage(r, from, at)
		if err != nil {
			slog.Warn("Failed to flatten message", "id", r.ID, "error", err)
			return
		}
		if err := store.SaveMessage(n.db, msg); err != nil {
			slog.Error("Failed to save message", "id", r.ID, "error", err)
		}
	}
	upsert := func(p engine.PeerLink) {
		err := store.UpsertPeer(n.db, store.Peer{
			ID:       p.PeerID,
			Nick:     p.DisplayName,
			Addr:     p.Addr,
			Signal:   p.Signal,
			LastSeen: p.LastSeenAt,
			IsActive: p.State == engine.PeerConnected,
		})
		if err != nil {
			slog.Error("Failed to save peer", "peer", p.PeerID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.MessageReceived:
			if !ok {
				return
			}
			save(m.Record, m.FromPeer, m.At)
		case r, ok := <-sub.MessageSent:
			if !ok {
				return
			}
			save(r, "", time.Now())
		case p, ok := <-sub.PeerDiscovered:
			if !ok {
				return
			}
			upsert(p)
		case p, ok := <-sub.PeerConnected:
			if !ok {
				return
			}
			upsert(p)
		case p, ok := <-sub.PeerDisconnected:
			if !ok {
				return
			}
			if err := store.MarkPeerInactive(n.db, p.PeerID); err != nil {
				slog.Error("Failed to mark peer inactive", "peer", p.PeerID, "error", err)
			}
		case <-prune.C:
			if removed, err := store.PruneMessages(n.db, time.Now().Add(-historyRetention)); err != nil {
				slog.Warn("Failed to prune history", "error", err)
			} else if removed > 0 {
				slog.Info("Pruned message history", "count", removed)
			}
		}
	}
}
