package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostlink/crypto"
	"hostlink/models"
	"hostlink/ports"
)

const (
	frodo models.Identity = "frodo.example"
	sam   models.Identity = "sam.example"
)

type peerEntry struct {
	tokenID   uuid.UUID
	secret    []byte
	publicKey ed25519.PublicKey
}

type fakeDirectory struct {
	peers map[models.Identity]peerEntry
}

func (d *fakeDirectory) ResolveCapabilityToken(_ context.Context, r models.Identity) (*ports.CapabilityToken, error) {
	p, ok := d.peers[r]
	if !ok {
		return nil, ports.ErrRecipientKeyUnresolved
	}
	return &ports.CapabilityToken{TokenID: p.tokenID, SharedSecret: crypto.CloneSecretKey(p.secret)}, nil
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

func (d *fakeDirectory) IsFollowing(context.Context, models.Identity) (bool, error) { return true, nil }

func (d *fakeDirectory) ResolveHostPublicKey(_ context.Context, identity models.Identity) (ed25519.PublicKey, error) {
	p, ok := d.peers[identity]
	if !ok || p.publicKey == nil {
		return nil, ports.ErrNotFound
	}
	return p.publicKey, nil
}

type receivedUpload struct {
	sender models.Identity
	parts  []string
	bodies map[string]string
}

type fakePerimeter struct {
	mu      sync.Mutex
	code    models.PeerResponseCode
	uploads []receivedUpload
	deletes []models.DeleteLinkedFileRequest
	feed    []models.FeedItem
}

func (p *fakePerimeter) Receive(_ context.Context, sender models.Identity, token *ports.CapabilityToken, body *multipart.Reader) models.PeerResponse {
	got := receivedUpload{sender: sender, bodies: make(map[string]string)}
	for {
		part, err := body.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.PeerResponse{Code: models.PeerResponseRejected, Message: err.Error()}
		}
		raw, _ := io.ReadAll(part)
		key := part.FormName()
		if part.FileName() != "" {
			key += "/" + part.FileName()
		}
		got.parts = append(got.parts, key)
		got.bodies[key] = string(raw)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, got)
	return models.PeerResponse{Code: p.code}
}

func (p *fakePerimeter) ReceiveDelete(_ context.Context, _ models.Identity, req models.DeleteLinkedFileRequest) models.PeerResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, req)
	return models.PeerResponse{Code: p.code}
}

func (p *fakePerimeter) ReceiveFeedItem(_ context.Context, _ models.Identity, item models.FeedItem) models.PeerResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feed = append(p.feed, item)
	return models.PeerResponse{Code: p.code}
}

type memoryReplay struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memoryReplay) MarkTokenIDSeen(id string, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

type securityEvent struct {
	identity  string
	eventType string
}

type memorySecurity struct {
	mu     sync.Mutex
	events []securityEvent
}

func (m *memorySecurity) RecordSecurityEvent(identity, eventType, _ string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, securityEvent{identity: identity, eventType: eventType})
	return nil
}

type fixture struct {
	perimeter *fakePerimeter
	security  *memorySecurity
	server    *httptest.Server
	client    *PeerClient
	token     *ports.CapabilityToken
	signing   ed25519.PrivateKey
	secret    []byte
}

// newFixture serves frodo's perimeter and returns a client acting as sam.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 32)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	tokenID := uuid.New()

	f := &fixture{
		perimeter: &fakePerimeter{code: models.PeerResponseAcceptedDirectWrite},
		security:  &memorySecurity{},
		signing:   privateKey,
		secret:    secret,
		token:     &ports.CapabilityToken{TokenID: tokenID, SharedSecret: crypto.CloneSecretKey(secret)},
	}
	t.Cleanup(f.token.Wipe)

	directory := &fakeDirectory{peers: map[models.Identity]peerEntry{
		sam: {tokenID: tokenID, secret: secret, publicKey: publicKey},
	}}
	handler, err := NewHandler(HandlerOptions{
		Perimeter: f.perimeter,
		Verifier:  NewVerifier(frodo, directory),
		Replay:    &memoryReplay{},
		Security:  f.security,
	})
	require.NoError(t, err)

	f.server = httptest.NewServer(handler)
	t.Cleanup(f.server.Close)

	f.client = NewPeerClient(ClientOptions{
		Local:      sam,
		SigningKey: privateKey,
		Resolver:   NewEndpointResolver(map[models.Identity]string{frodo: f.server.URL}, ""),
	})
	return f
}

func staticPart(name, fileName, body string) ports.OutboundPart {
	return ports.OutboundPart{
		Name:     name,
		FileName: fileName,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func TestSendTransferStreamsPartsInOrder(t *testing.T) {
	f := newFixture(t)

	resp, err := f.client.SendTransfer(context.Background(), ports.TransferRequest{
		Recipient:      frodo,
		Token:          f.token,
		InstructionSet: models.EncryptedRecipientTransferInstructionSet{ContentsProvided: models.SendContentsAll},
		Metadata:       models.FileMetadata{AppData: models.AppData{Content: "hello"}},
		Parts: []ports.OutboundPart{
			staticPart(ports.PartPayload, "main", "payload-bytes"),
			staticPart(ports.PartThumbnail, "main:20:20", "thumb-bytes"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAcceptedDirectWrite, resp.Code)

	require.Len(t, f.perimeter.uploads, 1)
	got := f.perimeter.uploads[0]
	assert.Equal(t, sam, got.sender)
	assert.Equal(t, []string{
		ports.PartTransferKeyHeader,
		ports.PartMetadata,
		ports.PartPayload + "/main",
		ports.PartThumbnail + "/main:20:20",
	}, got.parts)
	assert.Equal(t, "payload-bytes", got.bodies[ports.PartPayload+"/main"])
	assert.Contains(t, got.bodies[ports.PartMetadata], `"content":"hello"`)
}

func TestSendTransferWithWrongSecretIsAccessDenied(t *testing.T) {
	f := newFixture(t)

	wrong := &ports.CapabilityToken{TokenID: f.token.TokenID, SharedSecret: crypto.CloneSecretKey(make([]byte, 32))}
	defer wrong.Wipe()

	resp, err := f.client.SendTransfer(context.Background(), ports.TransferRequest{Recipient: frodo, Token: wrong})
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAccessDenied, resp.Code)
	assert.Empty(t, f.perimeter.uploads)
	require.Len(t, f.security.events, 1)
	assert.Equal(t, "capability_token_rejected", f.security.events[0].eventType)
}

func TestReplayedTokenIsRejected(t *testing.T) {
	f := newFixture(t)

	bearer, err := IssueTransitToken(sam, frodo, f.token, 0)
	require.NoError(t, err)

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, f.server.URL+PathTransitDeleteFile, strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set(headerAuthorization, bearerPrefix+bearer)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := post()
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := post()
	defer second.Body.Close()
	assert.Equal(t, http.StatusForbidden, second.StatusCode)
	decoded, err := DecodePeerResponse(second.Body)
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAccessDenied, decoded.Code)
	assert.Len(t, f.perimeter.deletes, 1)
}

func TestTokenForAnotherAudienceIsRejected(t *testing.T) {
	f := newFixture(t)

	bearer, err := IssueTransitToken(sam, "merry.example", f.token, 0)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+PathTransitDeleteFile, strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set(headerAuthorization, bearerPrefix+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, f.perimeter.deletes)
}

func TestMissingBearerIsTransportError(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.server.URL+PathFeedSend, "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendDeleteLinkedFile(t *testing.T) {
	f := newFixture(t)
	gtid := uuid.New()

	resp, err := f.client.SendDeleteLinkedFile(context.Background(), frodo, f.token, models.DeleteLinkedFileRequest{
		GlobalTransitID: gtid,
		FileSystemType:  models.FileSystemStandard,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAcceptedDirectWrite, resp.Code)
	require.Len(t, f.perimeter.deletes, 1)
	assert.Equal(t, gtid, f.perimeter.deletes[0].GlobalTransitID)
}

func TestSendFeedItemSignedWithHostKey(t *testing.T) {
	f := newFixture(t)

	item := models.FeedItem{DistroType: models.FeedDistroFileMetadata, GlobalTransitID: uuid.New()}
	resp, err := f.client.SendFeedItem(context.Background(), frodo, item)
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAcceptedDirectWrite, resp.Code)
	require.Len(t, f.perimeter.feed, 1)
	assert.Equal(t, item.GlobalTransitID, f.perimeter.feed[0].GlobalTransitID)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forged := NewPeerClient(ClientOptions{
		Local:      sam,
		SigningKey: other,
		Resolver:   NewEndpointResolver(map[models.Identity]string{frodo: f.server.URL}, ""),
	})
	resp, err = forged.SendFeedItem(context.Background(), frodo, item)
	require.NoError(t, err)
	assert.Equal(t, models.PeerResponseAccessDenied, resp.Code)
	assert.Len(t, f.perimeter.feed, 1)
}

func TestUnreachablePeerReturnsError(t *testing.T) {
	f := newFixture(t)
	f.server.Close()

	_, err := f.client.SendDeleteLinkedFile(context.Background(), frodo, f.token, models.DeleteLinkedFileRequest{})
	require.Error(t, err)
}

func TestServerErrorStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewPeerClient(ClientOptions{
		Local:    sam,
		Resolver: NewEndpointResolver(map[models.Identity]string{frodo: srv.URL}, ""),
	})
	token := &ports.CapabilityToken{TokenID: uuid.New(), SharedSecret: crypto.CloneSecretKey(make([]byte, 32))}
	defer token.Wipe()

	_, err := client.SendDeleteLinkedFile(context.Background(), frodo, token, models.DeleteLinkedFileRequest{})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestEndpointResolverPrecedence(t *testing.T) {
	r := NewEndpointResolver(map[models.Identity]string{"Frodo.Example": "http://127.0.0.1:9000/"}, "")

	got, err := r.Resolve(frodo)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", got)

	r.SetDiscovered(sam, "http://10.0.0.2:7443")
	got, err = r.Resolve(sam)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:7443", got)

	r.RemoveDiscovered(sam)
	got, err = r.Resolve(sam)
	require.NoError(t, err)
	assert.Equal(t, "https://sam.example", got)

	_, err = r.Resolve("not a host")
	require.Error(t, err)
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture(t)
	handler := f.server.Config.Handler

	server, err := Listen("127.0.0.1:0", handler, ServerOptions{})
	require.NoError(t, err)

	resp, err := http.Get("http://" + server.Addr().String() + PathHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, open := <-server.Errors()
	assert.False(t, open)
}
