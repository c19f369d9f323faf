package directory

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostlink/crypto"
	"hostlink/models"
	"hostlink/ports"
)

func newKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateX25519PrivateKey()
	require.NoError(t, err)
	return key
}

func encodeKey(k *ecdh.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(k.PublicKey().Bytes())
}

func TestBothSidesDeriveTheSameSharedSecret(t *testing.T) {
	frodoKey, samKey := newKey(t), newKey(t)
	token := uuid.New()

	frodo := New("frodo.example", frodoKey, crypto.Suite{}, nil)
	frodo.Put(PeerRecord{Identity: "sam.example", TokenID: token, X25519PublicKey: encodeKey(samKey)})
	sam := New("sam.example", samKey, crypto.Suite{}, nil)
	sam.Put(PeerRecord{Identity: "frodo.example", TokenID: token, X25519PublicKey: encodeKey(frodoKey)})

	a, err := frodo.ResolveCapabilityToken(context.Background(), "sam.example")
	require.NoError(t, err)
	defer a.Wipe()
	b, err := sam.ResolveCapabilityToken(context.Background(), "frodo.example")
	require.NoError(t, err)
	defer b.Wipe()

	assert.Equal(t, token, a.TokenID)
	assert.True(t, a.SharedSecret.Equal(b.SharedSecret))
}

func TestResolveCapabilityTokenUnknownPeer(t *testing.T) {
	d := New("frodo.example", newKey(t), crypto.Suite{}, nil)
	d.Put(PeerRecord{Identity: "merry.example"})

	_, err := d.ResolveCapabilityToken(context.Background(), "sam.example")
	assert.True(t, errors.Is(err, ports.ErrRecipientKeyUnresolved))
	_, err = d.ResolveCapabilityToken(context.Background(), "merry.example")
	assert.True(t, errors.Is(err, ports.ErrRecipientKeyUnresolved))
}

func TestFollowerPaging(t *testing.T) {
	drive := models.TargetDrive{Alias: uuid.New(), Type: models.ChannelDriveType}
	d := New("frodo.example", newKey(t), crypto.Suite{}, nil)
	for _, id := range []models.Identity{"a.example", "b.example", "c.example"} {
		d.Put(PeerRecord{Identity: id, FollowedDrives: []models.TargetDrive{drive}})
	}
	d.Put(PeerRecord{Identity: "z.example", FollowsAll: true})

	var got []models.Identity
	cursor := ""
	for {
		page, err := d.GetFollowers(context.Background(), drive, 2, cursor)
		require.NoError(t, err)
		got = append(got, page.Followers...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Equal(t, []models.Identity{"a.example", "b.example", "c.example"}, got)

	all, err := d.GetAllDriveFollowers(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{"z.example"}, all.Followers)
}

func TestLoadFile(t *testing.T) {
	public, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "peers.json")
	raw, err := json.Marshal(peersFile{Peers: []PeerRecord{{
		Identity:         "Sam.Example",
		Connected:        true,
		SigningPublicKey: base64.StdEncoding.EncodeToString(public),
		Endpoint:         "http://127.0.0.1:9000",
	}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	d := New("frodo.example", newKey(t), crypto.Suite{}, nil)
	require.NoError(t, d.LoadFile(path))

	ok, _ := d.IsConnected(context.Background(), "sam.example")
	assert.True(t, ok)
	connected, _ := d.GetConnectedIdentities(context.Background(), models.SystemCircleConnected)
	assert.Contains(t, connected, models.Identity("sam.example"))

	key, err := d.ResolveHostPublicKey(context.Background(), "sam.example")
	require.NoError(t, err)
	assert.True(t, key.Equal(public))
	assert.Equal(t, "http://127.0.0.1:9000", d.Endpoints()["sam.example"])

	require.NoError(t, d.LoadFile(filepath.Join(t.TempDir(), "missing.json")))
}
