// Package rendezvous implements peer discovery over the public libp2p
// Kademlia DHT (spec component C2). A TopicKey never touches the wire in
// the clear: it is hashed into a content ID and used purely as a
// coordination point so sender and receiver can find each other and open a
// direct stream, exactly as a torrent infohash drives swarm discovery.
package rendezvous

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	discoveryutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"

	libp2p "github.com/libp2p/go-libp2p"

	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/logging"
	"github.com/hyperstream/hyperstream/internal/xerrors"
)

// protocolID identifies the stream protocol used for the transfer socket
// itself, once two peers have found each other via the DHT.
const protocolID = "/hyperstream/transfer/1.0.0"

// joinTimeout bounds how long a side waits for the other to appear on the
// DHT and complete a direct connection.
const joinTimeout = 30 * time.Second

// Handle owns the libp2p host and DHT instance for one rendezvous attempt.
// Close is idempotent and safe to call from any exit path, including a
// timeout or a failed handshake.
type Handle struct {
	host   host.Host
	dht    *dht.IpfsDHT
	logger *slog.Logger
	closed bool
}

// newHandle constructs a libp2p host with the default transport stack and
// a DHT instance running in default (not server-only) mode, mirroring how
// a one-shot CLI participant should behave: it serves the DHT while it's
// running, but isn't expected to stay up as routing infrastructure.
// bootstrapPeers, if non-empty, are dialed before the DHT's own built-in
// defaults are consulted, so a configured private/alternate DHT is reachable
// even when the public default bootstrap set is unavailable or undesired.
func newHandle(ctx context.Context, logger *slog.Logger, bootstrapPeers []string) (*Handle, error) {
	h, err := libp2p.New(
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
	)
	if err != nil {
		return nil, xerrors.NewRendezvousFailed(fmt.Errorf("construct libp2p host: %w", err))
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		h.Close()
		return nil, xerrors.NewRendezvousFailed(fmt.Errorf("construct dht: %w", err))
	}

	connectBootstrapPeers(ctx, h, bootstrapPeers, logger)

	if err := kadDHT.Bootstrap(ctx); err != nil {
		kadDHT.Close()
		h.Close()
		return nil, xerrors.NewRendezvousFailed(fmt.Errorf("bootstrap dht: %w", err))
	}

	return &Handle{host: h, dht: kadDHT, logger: logger}, nil
}

// connectBootstrapPeers dials each configured bootstrap multiaddr so the DHT
// has a seed beyond its built-in public defaults. A peer that fails to parse
// or connect is logged and skipped rather than treated as fatal: bootstrap
// peers are a hint, not a requirement, and the DHT's own defaults still run.
func connectBootstrapPeers(ctx context.Context, h host.Host, peers []string, logger *slog.Logger) {
	for _, addr := range peers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			logger.Warn("invalid bootstrap peer address", logging.KeyError, err.Error())
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			logger.Warn("invalid bootstrap peer address", logging.KeyError, err.Error())
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Warn("bootstrap peer dial failed", logging.KeyPeerID, info.ID.String(), logging.KeyError, err.Error())
			continue
		}
		logger.Info("connected to bootstrap peer", logging.KeyStage, "rendezvous", logging.KeyPeerID, info.ID.String())
	}
}

// Close tears down the DHT and host. Calling Close more than once, or on a
// nil Handle, is a no-op.
func (h *Handle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	var dhtErr, hostErr error
	if h.dht != nil {
		dhtErr = h.dht.Close()
	}
	if h.host != nil {
		hostErr = h.host.Close()
	}
	if dhtErr != nil {
		return dhtErr
	}
	return hostErr
}

// topicCID turns a TopicKey into the content ID advertised on and searched
// for in the DHT. The key is hashed, not used directly, so the bytes
// routed through the DHT never reveal the key itself.
func topicCID(topic keys.TopicKey) (cid.Cid, error) {
	sum := sha256.Sum256(topic[:])
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("hyperstream: encode topic multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// JoinAsSender advertises topic on the DHT and waits for the receiver to
// connect and open a transfer stream. The stream handler is registered
// before advertising starts, so a receiver that connects as soon as it finds
// the sender is not missed. Advertising runs in the background: the sender
// does not wait for the announcement to complete before it starts waiting,
// and a failed announcement is not reported; the wait simply times out.
func JoinAsSender(ctx context.Context, topic keys.TopicKey, logger *slog.Logger, bootstrapPeers []string) (network.Stream, *Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	handle, err := newHandle(ctx, logger, bootstrapPeers)
	if err != nil {
		return nil, nil, err
	}

	id, err := topicCID(topic)
	if err != nil {
		handle.Close()
		return nil, nil, xerrors.NewRendezvousFailed(err)
	}

	streamCh := make(chan network.Stream, 1)
	handle.host.SetStreamHandler(protocolID, func(s network.Stream) {
		select {
		case streamCh <- s:
		default:
			s.Close()
		}
	})

	disc := routing.NewRoutingDiscovery(handle.dht)
	discoveryutil.Advertise(ctx, disc, id.String())
	logger.Info("advertising topic on dht", logging.KeyStage, "rendezvous")

	select {
	case s := <-streamCh:
		logger.Info("peer connected", logging.KeyStage, "rendezvous", logging.KeyPeerID, s.Conn().RemotePeer().String())
		return s, handle, nil
	case <-ctx.Done():
		handle.Close()
		return nil, nil, xerrors.ErrRendezvousTimeout
	}
}

// JoinAsReceiver searches the DHT for a peer advertising topic, then dials
// it and opens a transfer stream. The search is armed before anything else
// happens so a sender that is already advertising is never missed.
func JoinAsReceiver(ctx context.Context, topic keys.TopicKey, logger *slog.Logger, bootstrapPeers []string) (network.Stream, *Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	handle, err := newHandle(ctx, logger, bootstrapPeers)
	if err != nil {
		return nil, nil, err
	}

	id, err := topicCID(topic)
	if err != nil {
		handle.Close()
		return nil, nil, xerrors.NewRendezvousFailed(err)
	}

	disc := routing.NewRoutingDiscovery(handle.dht)
	peerCh, err := disc.FindPeers(ctx, id.String())
	if err != nil {
		handle.Close()
		return nil, nil, xerrors.NewRendezvousFailed(fmt.Errorf("find peers: %w", err))
	}

	for {
		select {
		case info, ok := <-peerCh:
			if !ok {
				handle.Close()
				return nil, nil, xerrors.ErrRendezvousTimeout
			}
			if info.ID == handle.host.ID() {
				continue
			}
			s, err := dialPeer(ctx, handle.host, info)
			if err != nil {
				logger.Warn("dial attempt failed", logging.KeyPeerID, info.ID.String(), logging.KeyError, err.Error())
				continue
			}
			logger.Info("connected to sender", logging.KeyStage, "rendezvous", logging.KeyPeerID, info.ID.String())
			return s, handle, nil
		case <-ctx.Done():
			handle.Close()
			return nil, nil, xerrors.ErrRendezvousTimeout
		}
	}
}

func dialPeer(ctx context.Context, h host.Host, info peer.AddrInfo) (network.Stream, error) {
	if err := h.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s, err := h.NewStream(ctx, info.ID, protocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return s, nil
}
