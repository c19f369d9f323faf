package network

import (
	"fmt"
	"strings"
	"sync"

	"hostlink/models"
)

// EndpointResolver maps identities to perimeter base URLs. Static entries win
// over LAN discovery, which wins over https://{identity}.
type EndpointResolver struct {
	mu         sync.RWMutex
	static     map[models.Identity]string
	discovered map[models.Identity]string
	scheme     string
}

// NewEndpointResolver creates a resolver. scheme defaults to https.
func NewEndpointResolver(static map[models.Identity]string, scheme string) *EndpointResolver {
	if scheme == "" {
		scheme = "https"
	}
	r := &EndpointResolver{
		static:     make(map[models.Identity]string, len(static)),
		discovered: make(map[models.Identity]string),
		scheme:     scheme,
	}
	for id, endpoint := range static {
		r.static[id.Normalize()] = strings.TrimRight(endpoint, "/")
	}
	return r
}

// SetDiscovered records an endpoint found on the local network.
func (r *EndpointResolver) SetDiscovered(identity models.Identity, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[identity.Normalize()] = strings.TrimRight(endpoint, "/")
}

// RemoveDiscovered forgets a discovered endpoint.
func (r *EndpointResolver) RemoveDiscovered(identity models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.discovered, identity.Normalize())
}

// Resolve returns the base URL for identity.
func (r *EndpointResolver) Resolve(identity models.Identity) (string, error) {
	identity = identity.Normalize()
	if err := identity.Validate(); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if endpoint, ok := r.static[identity]; ok {
		return endpoint, nil
	}
	if endpoint, ok := r.discovered[identity]; ok {
		return endpoint, nil
	}
	return fmt.Sprintf("%s://%s", r.scheme, identity), nil
}
