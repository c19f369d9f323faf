package discovery

import (
	"context"
	"crypto/ed25519"
	"time"

	"hostlink/logging"
	"hostlink/models"
)

// KeyLookup resolves the signing key the directory holds for an identity.
type KeyLookup interface {
	ResolveHostPublicKey(ctx context.Context, identity models.Identity) (ed25519.PublicKey, error)
}

// EndpointSink receives verified LAN endpoints.
type EndpointSink interface {
	SetDiscovered(identity models.Identity, endpoint string)
	RemoveDiscovered(identity models.Identity)
}

// Bridge applies scanner events to sink until events is closed or ctx ends.
// Upserts whose proof does not verify are dropped, and an identity that
// stops verifying is removed.
func Bridge(ctx context.Context, events <-chan Event, keys KeyLookup, sink EndpointSink, now func() time.Time, logger logging.Logger) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("module", "discovery")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			apply(ctx, event, keys, sink, now(), logger)
		}
	}
}

func apply(ctx context.Context, event Event, keys KeyLookup, sink EndpointSink, now time.Time, logger logging.Logger) {
	peer := event.Peer
	if event.Type == EventPeerRemoved {
		sink.RemoveDiscovered(peer.Identity)
		logger.Debug(ctx, "lan host gone", "identity", peer.Identity)
		return
	}

	endpoint, ok := peer.Endpoint()
	if !ok {
		return
	}
	key, err := keys.ResolveHostPublicKey(ctx, peer.Identity)
	if err != nil {
		logger.Debug(ctx, "ignoring lan host without known signing key", "identity", peer.Identity)
		return
	}
	if !VerifyAdvertisementProof(key, peer.Proof, peer.Identity, peer.Port, now) {
		sink.RemoveDiscovered(peer.Identity)
		logger.Warn(ctx, "lan advertisement failed verification", "identity", peer.Identity, "host", peer.HostName)
		return
	}
	sink.SetDiscovered(peer.Identity, endpoint)
	logger.Info(ctx, "lan host discovered", "identity", peer.Identity, "endpoint", endpoint)
}
