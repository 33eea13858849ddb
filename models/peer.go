package models

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// PeerIdentityDigits is the length of a pairing identity.
const PeerIdentityDigits = 6

var (
	// ErrInvalidPeerIdentity indicates a value that is not a 6-digit identity.
	ErrInvalidPeerIdentity = errors.New("models: invalid peer identity")
	// ErrIdentitySpaceExhausted indicates every identity was already issued.
	ErrIdentitySpaceExhausted = errors.New("models: peer identity space exhausted")
)

var identitySpace = big.NewInt(1_000_000)

// PeerIdentity is a short numeric identifier a user can read out or type.
type PeerIdentity string

// String returns the identity digits.
func (p PeerIdentity) String() string {
	return string(p)
}

// ParsePeerIdentity validates a user-supplied identity.
func ParsePeerIdentity(raw string) (PeerIdentity, error) {
	if len(raw) != PeerIdentityDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeerIdentity, raw)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPeerIdentity, raw)
		}
	}
	return PeerIdentity(raw), nil
}

// IdentityGenerator issues random identities and never repeats one.
type IdentityGenerator struct {
	mu     sync.Mutex
	issued map[PeerIdentity]struct{}
}

// NewIdentityGenerator creates a generator with an empty issue history.
func NewIdentityGenerator() *IdentityGenerator {
	return &IdentityGenerator{issued: make(map[PeerIdentity]struct{})}
}

// Next returns an identity not handed out before by this generator.
func (g *IdentityGenerator) Next() (PeerIdentity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if int64(len(g.issued)) >= identitySpace.Int64() {
		return "", ErrIdentitySpaceExhausted
	}
	for {
		n, err := rand.Int(rand.Reader, identitySpace)
		if err != nil {
			return "", fmt.Errorf("generate peer identity: %w", err)
		}
		id := PeerIdentity(fmt.Sprintf("%06d", n.Int64()))
		if _, used := g.issued[id]; used {
			continue
		}
		g.issued[id] = struct{}{}
		return id, nil
	}
}

// Reserve marks an externally chosen identity as used.
func (g *IdentityGenerator) Reserve(id PeerIdentity) {
	g.mu.Lock()
	g.issued[id] = struct{}{}
	g.mu.Unlock()
}
