// Package directory provides a file-backed identity directory. Peers are
// listed in peers.json; capability secrets are derived per call from the
// peer's X25519 public key and never cached.
package directory

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"hostlink/models"
	"hostlink/ports"
)

// PeerRecord is one remote identity host as stored in peers.json.
type PeerRecord struct {
	Identity models.Identity `json:"identity"`
	TokenID  uuid.UUID       `json:"token_id"`
	// X25519PublicKey and SigningPublicKey are base64 encoded raw keys.
	X25519PublicKey  string `json:"x25519_public_key,omitempty"`
	SigningPublicKey string `json:"signing_public_key,omitempty"`
	Connected        bool   `json:"connected"`
	// FollowsAll marks a follower subscribed to every channel drive.
	FollowsAll     bool                 `json:"follows_all,omitempty"`
	FollowedDrives []models.TargetDrive `json:"followed_drives,omitempty"`
	// Following is true when the local owner follows this peer.
	Following bool        `json:"following,omitempty"`
	Circles   []uuid.UUID `json:"circles,omitempty"`
	Endpoint  string      `json:"endpoint,omitempty"`
}

type peersFile struct {
	Peers []PeerRecord `json:"peers"`
}

// DriveResolver maps a target drive to the local drive id.
type DriveResolver interface {
	ResolveDrive(target models.TargetDrive) (uuid.UUID, error)
}

// Static is an in-memory Directory built from PeerRecords.
type Static struct {
	local      models.Identity
	privateKey *ecdh.PrivateKey
	crypto     ports.Crypto
	drives     DriveResolver

	mu    sync.RWMutex
	peers map[models.Identity]PeerRecord
}

// New creates a directory for the local identity.
func New(local models.Identity, privateKey *ecdh.PrivateKey, crypto ports.Crypto, drives DriveResolver) *Static {
	return &Static{
		local:      local.Normalize(),
		privateKey: privateKey,
		crypto:     crypto,
		drives:     drives,
		peers:      make(map[models.Identity]PeerRecord),
	}
}

// LoadFile replaces the peer set with the contents of path. A missing file is
// not an error and keeps the current peers.
func (d *Static) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read peers: %w", err)
	}

	var file peersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse peers: %w", err)
	}

	peers := make(map[models.Identity]PeerRecord, len(file.Peers))
	for _, p := range file.Peers {
		p.Identity = p.Identity.Normalize()
		if err := p.Identity.Validate(); err != nil {
			return fmt.Errorf("peer %q: %w", p.Identity, err)
		}
		peers[p.Identity] = p
	}

	d.mu.Lock()
	d.peers = peers
	d.mu.Unlock()
	return nil
}

// Put adds or replaces one peer.
func (d *Static) Put(p PeerRecord) {
	p.Identity = p.Identity.Normalize()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.Identity] = p
}

// Peer returns the record for identity.
func (d *Static) Peer(identity models.Identity) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[identity.Normalize()]
	return p, ok
}

// Endpoints returns the configured endpoint override of every peer that has one.
func (d *Static) Endpoints() map[models.Identity]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[models.Identity]string)
	for id, p := range d.peers {
		if p.Endpoint != "" {
			out[id] = p.Endpoint
		}
	}
	return out
}

func (d *Static) ResolveCapabilityToken(_ context.Context, recipient models.Identity) (*ports.CapabilityToken, error) {
	p, ok := d.Peer(recipient)
	if !ok || p.TokenID == uuid.Nil || p.X25519PublicKey == "" {
		return nil, ports.ErrRecipientKeyUnresolved
	}

	raw, err := base64.StdEncoding.DecodeString(p.X25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key for %s", ports.ErrRecipientKeyUnresolved, recipient)
	}
	remote, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key for %s", ports.ErrRecipientKeyUnresolved, recipient)
	}

	secret, err := d.crypto.DeriveSharedSecret(d.privateKey, remote, d.pairSalt(p))
	if err != nil {
		return nil, err
	}
	return &ports.CapabilityToken{TokenID: p.TokenID, SharedSecret: secret}, nil
}

// pairSalt is identical on both hosts of a pair.
func (d *Static) pairSalt(p PeerRecord) []byte {
	names := []string{string(d.local), string(p.Identity)}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, n := range names {
		buf.WriteString(strconv.Itoa(len(n)))
		buf.WriteByte(':')
		buf.WriteString(n)
	}
	buf.Write(p.TokenID[:])
	return buf.Bytes()
}

func (d *Static) ResolveDriveID(_ context.Context, drive models.TargetDrive) (uuid.UUID, error) {
	if d.drives == nil {
		return uuid.Nil, ports.ErrNotFound
	}
	return d.drives.ResolveDrive(drive)
}

func (d *Static) GetConnectedIdentities(_ context.Context, circle uuid.UUID) (map[models.Identity]struct{}, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[models.Identity]struct{})
	for id, p := range d.peers {
		if !p.Connected {
			continue
		}
		if circle == models.SystemCircleConnected || containsUUID(p.Circles, circle) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (d *Static) GetFollowers(_ context.Context, drive models.TargetDrive, max int, cursor string) (ports.FollowerPage, error) {
	return d.page(max, cursor, func(p PeerRecord) bool {
		for _, t := range p.FollowedDrives {
			if t == drive {
				return true
			}
		}
		return false
	})
}

func (d *Static) GetAllDriveFollowers(_ context.Context, max int, cursor string) (ports.FollowerPage, error) {
	return d.page(max, cursor, func(p PeerRecord) bool { return p.FollowsAll })
}

func (d *Static) IsConnected(_ context.Context, identity models.Identity) (bool, error) {
	p, ok := d.Peer(identity)
	return ok && p.Connected, nil
}

func (d *Static) IsFollowing(_ context.Context, identity models.Identity) (bool, error) {
	p, ok := d.Peer(identity)
	return ok && p.Following, nil
}

func (d *Static) ResolveHostPublicKey(_ context.Context, identity models.Identity) (ed25519.PublicKey, error) {
	p, ok := d.Peer(identity)
	if !ok || p.SigningPublicKey == "" {
		return nil, ports.ErrNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(p.SigningPublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing key for %s is malformed", identity)
	}
	return ed25519.PublicKey(raw), nil
}

// page returns followers in identity order. The cursor is the last identity
// of the previous page.
func (d *Static) page(max int, cursor string, match func(PeerRecord) bool) (ports.FollowerPage, error) {
	if max <= 0 {
		return ports.FollowerPage{}, errors.New("page size must be positive")
	}

	d.mu.RLock()
	ids := make([]string, 0, len(d.peers))
	for id, p := range d.peers {
		if match(p) && string(id) > cursor {
			ids = append(ids, string(id))
		}
	}
	d.mu.RUnlock()
	sort.Strings(ids)

	page := ports.FollowerPage{}
	for _, id := range ids {
		if len(page.Followers) == max {
			page.Cursor = string(page.Followers[len(page.Followers)-1])
			break
		}
		page.Followers = append(page.Followers, models.Identity(id))
	}
	return page, nil
}

func containsUUID(list []uuid.UUID, v uuid.UUID) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
