package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerdrop/models"
)

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, peer models.PeerIdentity) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, peer models.PeerIdentity) (string, error) {
	return f(ctx, peer)
}

// StaticResolver is an in-memory address book.
type StaticResolver struct {
	mu        sync.RWMutex
	addresses map[models.PeerIdentity]string
}

// NewStaticResolver creates an empty address book.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{addresses: make(map[models.PeerIdentity]string)}
}

// Set records the address of a peer.
func (r *StaticResolver) Set(peer models.PeerIdentity, address string) {
	r.mu.Lock()
	r.addresses[peer] = address
	r.mu.Unlock()
}

// Resolve returns the recorded address.
func (r *StaticResolver) Resolve(_ context.Context, peer models.PeerIdentity) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	address, ok := r.addresses[peer]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, peer)
	}
	return address, nil
}

// ChainResolver tries each resolver in order and returns the first hit.
type ChainResolver []Resolver

// Resolve walks the chain.
func (c ChainResolver) Resolve(ctx context.Context, peer models.PeerIdentity) (string, error) {
	var errs []error
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		address, err := resolver.Resolve(ctx, peer)
		if err == nil {
			return address, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, peer)
	}
	return "", errors.Join(errs...)
}
