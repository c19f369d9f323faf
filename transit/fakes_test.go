package transit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"hostlink/crypto"
	"hostlink/models"
	"hostlink/ports"
)

type fakeDirectory struct {
	mu      sync.Mutex
	secrets map[models.Identity][]byte
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{secrets: make(map[models.Identity][]byte)}
}

func (d *fakeDirectory) add(identity models.Identity) []byte {
	secret := make([]byte, 32)
	copy(secret, identity)
	d.mu.Lock()
	d.secrets[identity] = secret
	d.mu.Unlock()
	return secret
}

func (d *fakeDirectory) remove(identity models.Identity) {
	d.mu.Lock()
	delete(d.secrets, identity)
	d.mu.Unlock()
}

func (d *fakeDirectory) ResolveCapabilityToken(_ context.Context, r models.Identity) (*ports.CapabilityToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	secret, ok := d.secrets[r]
	if !ok {
		return nil, ports.ErrRecipientKeyUnresolved
	}
	return &ports.CapabilityToken{TokenID: uuid.New(), SharedSecret: crypto.CloneSecretKey(secret)}, nil
}

func (d *fakeDirectory) ResolveDriveID(context.Context, models.TargetDrive) (uuid.UUID, error) {
	return uuid.Nil, ports.ErrNotFound
}

func (d *fakeDirectory) GetConnectedIdentities(context.Context, uuid.UUID) (map[models.Identity]struct{}, error) {
	return nil, nil
}

func (d *fakeDirectory) GetFollowers(context.Context, models.TargetDrive, int, string) (ports.FollowerPage, error) {
	return ports.FollowerPage{}, nil
}

func (d *fakeDirectory) GetAllDriveFollowers(context.Context, int, string) (ports.FollowerPage, error) {
	return ports.FollowerPage{}, nil
}

func (d *fakeDirectory) IsConnected(context.Context, models.Identity) (bool, error) { return true, nil }

func (d *fakeDirectory) IsFollowing(context.Context, models.Identity) (bool, error) { return false, nil }

func (d *fakeDirectory) ResolveHostPublicKey(context.Context, models.Identity) (ed25519.PublicKey, error) {
	return nil, ports.ErrNotFound
}

type sentTransfer struct {
	req   ports.TransferRequest
	parts map[string][]byte
}

// fakeTransport answers with a fixed response per recipient, or a transport
// error when none is configured.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[models.Identity]models.PeerResponseCode
	transfers []sentTransfer
	deletes   []models.DeleteLinkedFileRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[models.Identity]models.PeerResponseCode)}
}

func (f *fakeTransport) respond(r models.Identity, code models.PeerResponseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[r] = code
}

func (f *fakeTransport) reply(r models.Identity) (models.PeerResponse, error) {
	code, ok := f.responses[r]
	if !ok {
		return models.PeerResponse{}, errors.New("connection refused")
	}
	return models.PeerResponse{Code: code}, nil
}

func (f *fakeTransport) SendTransfer(ctx context.Context, req ports.TransferRequest) (models.PeerResponse, error) {
	parts := make(map[string][]byte)
	for _, p := range req.Parts {
		rc, err := p.Open(ctx)
		if err != nil {
			return models.PeerResponse{}, err
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		parts[p.Name+"/"+p.FileName] = data
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, sentTransfer{req: req, parts: parts})
	return f.reply(req.Recipient)
}

func (f *fakeTransport) SendDeleteLinkedFile(_ context.Context, r models.Identity, _ *ports.CapabilityToken, req models.DeleteLinkedFileRequest) (models.PeerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return f.reply(r)
}

func (f *fakeTransport) SendFeedItem(_ context.Context, r models.Identity, _ models.FeedItem) (models.PeerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply(r)
}

func (f *fakeTransport) sent() []sentTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentTransfer(nil), f.transfers...)
}
