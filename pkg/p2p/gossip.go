package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/p2pclear/escrowd/pkg/escrow"
)

const topicEvents = "escrowd-events-v1"

// EventHandler receives settlement events published by remote peers.
type EventHandler func(env escrow.Envelope, from peer.ID)

// Gossip publishes every local settlement event to the peer mesh and hands
// remote peers' events to an optional handler. Delivery is best effort; the
// engine never waits on it.
type Gossip struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muH     sync.RWMutex
	handler EventHandler
}

type GossipConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg GossipConfig) (*Gossip, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(topicEvents); err != nil {
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		return nil, err
	}

	go g.readLoop(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("gossip_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

func (g *Gossip) Close() error { return g.h.Close() }

// SetHandler installs the sink for remote events.
func (g *Gossip) SetHandler(fn EventHandler) {
	g.muH.Lock()
	g.handler = fn
	g.muH.Unlock()
}

// Emitter adapts the gossip publisher to the engine's event sink.
func (g *Gossip) Emitter() escrow.Emitter {
	return escrow.EmitterFunc(func(ev escrow.Event) {
		data, err := escrow.MarshalEvent(ev)
		if err != nil {
			if g.log != nil {
				g.log.Warnw("event_marshal_failed", "type", ev.EventType(), "err", err)
			}
			return
		}
		if err := g.topic.Publish(context.Background(), data); err != nil && g.log != nil {
			g.log.Warnw("event_publish_failed", "type", ev.EventType(), "err", err)
		}
	})
}

func (g *Gossip) readLoop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		// Skip our own publishes; local consumers get them via the hub.
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}

		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			if g.log != nil {
				g.log.Debugw("bad_gossip_event", "from", msg.ReceivedFrom.String(), "err", err)
			}
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(env, msg.ReceivedFrom)
		}
	}
}
