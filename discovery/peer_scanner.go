package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"hostlink/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for endpoint resolution.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is an identity host advertised on the LAN. Nothing in it is
// trusted until Proof verifies.
type DiscoveredPeer struct {
	Identity  models.Identity
	Instance  string
	Version   int
	Scheme    string
	Proof     string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// Endpoint returns the perimeter base URL of the first advertised address.
func (p DiscoveredPeer) Endpoint() (string, bool) {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return "", false
	}
	scheme := p.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = DefaultScheme
	}
	return scheme + "://" + net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[models.Identity]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[models.Identity]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the known hosts ordered by identity.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := slices.Collect(maps.Values(s.peers))
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return cmp.Compare(a.Identity, b.Identity)
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.scan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// scan browses for one ScanTimeout window and merges the result. The window
// closes early when requestCtx is cancelled.
func (s *PeerScanner) scan(requestCtx context.Context) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browsed := make(chan error, 1)
	go func() {
		browsed <- s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[models.Identity]DiscoveredPeer)
	for collecting := true; collecting; {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.Identity); ok {
				peer.LastSeen = s.cfg.Now()
				seen[peer.Identity] = peer
			}
		case <-ctx.Done():
			collecting = false
		}
	}

	if err := <-browsed; err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("browse %s: %w", s.cfg.Service, err)
	}
	s.applySnapshot(seen, s.cfg.Now())
	return nil
}

// applySnapshot merges one scan into the peer set. A host missing from a
// scan is kept until it has gone unseen for PeerStaleAfter.
func (s *PeerScanner) applySnapshot(seen map[models.Identity]DiscoveredPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(peer.LastSeen) >= s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, self models.Identity) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	identity := models.Identity(txt[txtIdentity]).Normalize()
	if identity == "" || identity == self || identity.Validate() != nil {
		return DiscoveredPeer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])

	var addresses []string
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	return DiscoveredPeer{
		Identity:  identity,
		Instance:  strings.TrimSpace(entry.Instance),
		Version:   version,
		Scheme:    txt[txtScheme],
		Proof:     txt[txtProof],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	return a.Identity == b.Identity &&
		a.Instance == b.Instance &&
		a.Proof == b.Proof &&
		a.Scheme == b.Scheme &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
