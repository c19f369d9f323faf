package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	key := deterministicTestKey("frodo.example")
	at := time.Unix(1_706_000_000, 0).UTC()
	cfg := Config{
		Identity:      "Frodo.Example",
		ListeningPort: 9443,
		SigningKey:    key,
		Now:           func() time.Time { return at },
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "frodo.example" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9443 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "identity=frodo.example")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "scheme=https")
	proof := txtToMap(gotTXT)["proof"]
	if !VerifyAdvertisementProof(key.Public().(ed25519.PublicKey), proof, "frodo.example", 9443, at) {
		t.Fatalf("advertised proof does not verify")
	}
}

func TestStartBroadcasterRequiresSigningKey(t *testing.T) {
	_, err := StartBroadcaster(Config{
		Identity:      "frodo.example",
		ListeningPort: 9443,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register must not be called")
			return nil, nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "signing key") {
		t.Fatalf("expected signing key error, got %v", err)
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		Identity:      "frodo.example",
		ListeningPort: 9443,
		SigningKey:    deterministicTestKey("frodo.example"),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
}

func TestConfigWithDefaultsSetsPeerStaleAfterFromTTL(t *testing.T) {
	cfg := Config{
		RefreshInterval: 10 * time.Second,
	}

	withDefaults := cfg.withDefaults()
	if withDefaults.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, withDefaults.TTL)
	}
	if withDefaults.PeerStaleAfter < 2*time.Duration(DefaultTTL)*time.Second {
		t.Fatalf("expected peer stale timeout to be >= 2*TTL, got %s", withDefaults.PeerStaleAfter)
	}
}

func TestAdvertisementProofRotatesAcrossHourBoundary(t *testing.T) {
	key := deterministicTestKey("sam.example")
	public := key.Public().(ed25519.PublicKey)

	base := time.Unix(1_706_000_000, 0).UTC().Truncate(time.Hour)
	sameHour := base.Add(30 * time.Minute)
	nextHour := base.Add(90 * time.Minute)
	later := base.Add(150 * time.Minute)

	first := ComputeAdvertisementProof(key, "sam.example", 9443, base)
	second := ComputeAdvertisementProof(key, "sam.example", 9443, sameHour)
	third := ComputeAdvertisementProof(key, "sam.example", 9443, nextHour)

	if first != second {
		t.Fatalf("expected proof to remain stable inside one hour bucket")
	}
	if first == third {
		t.Fatalf("expected proof to rotate across hour boundary")
	}
	if !VerifyAdvertisementProof(public, first, "sam.example", 9443, base) {
		t.Fatalf("expected proof verification to succeed for matching hour")
	}
	if !VerifyAdvertisementProof(public, first, "sam.example", 9443, nextHour) {
		t.Fatalf("expected proof from the previous hour to be accepted")
	}
	if VerifyAdvertisementProof(public, first, "sam.example", 9443, later) {
		t.Fatalf("expected proof two hours old to be rejected")
	}
	if VerifyAdvertisementProof(public, first, "sam.example", 9444, base) {
		t.Fatalf("expected proof to bind the port")
	}
	if VerifyAdvertisementProof(deterministicTestKey("mallory").Public().(ed25519.PublicKey), first, "sam.example", 9443, base) {
		t.Fatalf("expected proof to fail under another key")
	}
}

func TestDiscoveredPeerEndpoint(t *testing.T) {
	tests := []struct {
		peer DiscoveredPeer
		want string
		ok   bool
	}{
		{DiscoveredPeer{Addresses: []string{"10.0.0.2"}, Port: 9443}, "https://10.0.0.2:9443", true},
		{DiscoveredPeer{Addresses: []string{"fe80::1"}, Port: 9443, Scheme: "http"}, "http://[fe80::1]:9443", true},
		{DiscoveredPeer{Addresses: []string{"10.0.0.2"}, Port: 9443, Scheme: "gopher"}, "https://10.0.0.2:9443", true},
		{DiscoveredPeer{Port: 9443}, "", false},
		{DiscoveredPeer{Addresses: []string{"10.0.0.2"}}, "", false},
	}
	for _, tt := range tests {
		got, ok := tt.peer.Endpoint()
		if got != tt.want || ok != tt.ok {
			t.Fatalf("Endpoint(%+v) = %q, %v; want %q, %v", tt.peer, got, ok, tt.want, tt.ok)
		}
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

func deterministicTestKey(seed string) ed25519.PrivateKey {
	sum := sha256.Sum256([]byte("mdns-test-seed|" + seed))
	return ed25519.NewKeyFromSeed(sum[:])
}

