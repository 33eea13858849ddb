package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
	"peerdrop/network"
)

// EventType identifies peer discovery updates.
type EventType string

const (
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved follows a peer missing from scans for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

var (
	errScannerStopped    = errors.New("discovery: peer scanner is stopped")
	errScannerNotStarted = errors.New("discovery: peer scanner is not started")
)

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is one advertised identity and where it listens.
type DiscoveredPeer struct {
	PeerID    models.PeerIdentity
	Name      string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (p DiscoveredPeer) Address() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	host := p.Addresses[0]
	if i := slices.IndexFunc(p.Addresses, isIPv4); i >= 0 {
		host = p.Addresses[i]
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p DiscoveredPeer) sameEndpoint(other DiscoveredPeer) bool {
	return p.PeerID == other.PeerID &&
		p.Name == other.Name &&
		p.Version == other.Version &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

func isIPv4(raw string) bool {
	ip := net.ParseIP(raw)
	return ip != nil && ip.To4() != nil
}

// PeerScanner browses the LAN on a timer and on demand, and caches what it saw.
type PeerScanner struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time

	mu    sync.RWMutex
	peers map[models.PeerIdentity]DiscoveredPeer

	events  chan Event
	refresh chan scanRequest

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type scanRequest struct {
	ctx    context.Context
	result chan error
}

// NewPeerScanner creates a stopped scanner.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:     cfg,
		log:     cfg.Logger,
		now:     time.Now,
		peers:   make(map[models.PeerIdentity]DiscoveredPeer),
		events:  make(chan Event, 128),
		refresh: make(chan scanRequest),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs a first scan and then one every RefreshInterval.
func (s *PeerScanner) Start() error {
	select {
	case <-s.ctx.Done():
		return errScannerStopped
	default:
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends scanning and closes Events. Safe to call more than once.
func (s *PeerScanner) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers upserts and removals. Updates are dropped when nobody reads.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh scans now and returns when the scan finished.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return errScannerNotStarted
	}
	req := scanRequest{ctx: ctx, result: make(chan error, 1)}
	select {
	case s.refresh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
}

// ListPeers returns cached peers ordered by identity.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return strings.Compare(a.PeerID.String(), b.PeerID.String())
	})
	return out
}

// Lookup returns the cached entry for peer.
func (s *PeerScanner) Lookup(peer models.PeerIdentity) (DiscoveredPeer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.peers[peer]
	return found, ok
}

// Resolve returns the address of peer, scanning once more on a cache miss.
func (s *PeerScanner) Resolve(ctx context.Context, peer models.PeerIdentity) (string, error) {
	if address := s.cachedAddress(peer); address != "" {
		return address, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", fmt.Errorf("discover %s: %w", peer, err)
	}
	if address := s.cachedAddress(peer); address != "" {
		return address, nil
	}
	return "", fmt.Errorf("%w: %s not seen on LAN", network.ErrPeerNotFound, peer)
}

func (s *PeerScanner) cachedAddress(peer models.PeerIdentity) string {
	found, ok := s.Lookup(peer)
	if !ok {
		return ""
	}
	return found.Address()
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.scanInBackground()
	for {
		select {
		case <-ticker.C:
			s.scanInBackground()
		case req := <-s.refresh:
			req.result <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) scanInBackground() {
	if err := s.scan(context.Background()); err != nil && s.ctx.Err() == nil {
		s.log.WithError(err).Warn("mDNS scan failed")
	}
}

// scan browses for ScanTimeout, or until requestCtx or the scanner ends,
// and merges what it collected.
func (s *PeerScanner) scan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(chan map[models.PeerIdentity]DiscoveredPeer, 1)
	go func() {
		collected <- s.collect(scanCtx, entries)
	}()

	err := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collected
		return err
	}
	<-scanCtx.Done()
	s.merge(<-collected)
	return requestCtx.Err()
}

func (s *PeerScanner) collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) map[models.PeerIdentity]DiscoveredPeer {
	found := make(map[models.PeerIdentity]DiscoveredPeer)
	for {
		select {
		case <-ctx.Done():
			return found
		case entry, ok := <-entries:
			if !ok {
				return found
			}
			peer, valid := parseEntry(entry, s.cfg.Self)
			if !valid {
				continue
			}
			peer.LastSeen = s.now()
			found[peer.PeerID] = peer
		}
	}
}

// merge applies one scan. Peers absent from it are kept until they have not
// been seen for PeerStaleAfter.
func (s *PeerScanner) merge(seen map[models.PeerIdentity]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		previous, known := s.peers[id]
		s.peers[id] = peer
		if known && previous.sameEndpoint(peer) {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"peer_id": id,
			"address": peer.Address(),
		}).Debug("peer discovered")
		s.publish(Event{Type: EventPeerUpserted, Peer: peer})
	}

	now := s.now()
	for id, peer := range s.peers {
		if _, fresh := seen[id]; fresh || now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.peers, id)
		s.publish(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (s *PeerScanner) publish(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry reads a browse result. Entries without a valid peer_id, and our
// own record, are rejected.
func parseEntry(entry *zeroconf.ServiceEntry, self models.PeerIdentity) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	txt := parseTXT(entry.Text)
	peerID, err := models.ParsePeerIdentity(txt[txtPeerID])
	if err != nil || peerID == self {
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

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	return DiscoveredPeer{
		PeerID:    peerID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
