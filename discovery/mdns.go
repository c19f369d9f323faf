// Package discovery advertises and finds identity hosts on the local network
// over mDNS. A found host only overrides endpoint resolution after its signed
// advertisement verifies against the directory's signing key for it.
package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"hostlink/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_hostlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScheme is advertised when the perimeter serves TLS.
	DefaultScheme = "https"
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120

	txtIdentity = "identity"
	txtVersion  = "version"
	txtScheme   = "scheme"
	txtProof    = "proof"

	proofBucket = time.Hour
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertiser and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long a host may go unseen before it is removed.
	PeerStaleAfter time.Duration

	Identity      models.Identity
	InstanceName  string
	ListeningPort int
	Scheme        string
	SigningKey    ed25519.PrivateKey
	Now           func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.Identity = out.Identity.Normalize()
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.Scheme == "" {
		out.Scheme = DefaultScheme
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.InstanceName == "" {
		out.InstanceName = string(out.Identity)
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("advertised identity: %w", err)
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	if len(c.SigningKey) != ed25519.PrivateKeySize {
		return errors.New("signing key is required")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(string(c.Identity)) == "" {
		return errors.New("local identity is required")
	}
	return nil
}

// Broadcaster advertises the local identity host via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS advertisement.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtIdentity + "=" + string(cfg.Identity),
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtScheme + "=" + cfg.Scheme,
		txtProof + "=" + ComputeAdvertisementProof(cfg.SigningKey, cfg.Identity, cfg.ListeningPort, cfg.Now()),
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}
	return &Broadcaster{server: server}, nil
}

// Stop stops advertising.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// ComputeAdvertisementProof signs identity, port and the hour bucket of at.
// The proof rotates hourly so a captured advertisement goes stale.
func ComputeAdvertisementProof(key ed25519.PrivateKey, identity models.Identity, port int, at time.Time) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(key, proofMessage(identity, port, at)))
}

// VerifyAdvertisementProof accepts proofs from the current or previous hour
// bucket to tolerate clock skew across a boundary.
func VerifyAdvertisementProof(publicKey ed25519.PublicKey, proof string, identity models.Identity, port int, at time.Time) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(proof)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	for _, t := range []time.Time{at, at.Add(-proofBucket)} {
		if ed25519.Verify(publicKey, proofMessage(identity, port, t), sig) {
			return true
		}
	}
	return false
}

func proofMessage(identity models.Identity, port int, at time.Time) []byte {
	bucket := at.UTC().Truncate(proofBucket).Unix()
	return []byte("hostlink-mdns|" + string(identity.Normalize()) + "|" + strconv.Itoa(port) + "|" + strconv.FormatInt(bucket, 10))
}

// Service coordinates advertisement and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
