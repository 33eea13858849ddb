package node

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdrop/api"
	"peerdrop/config"
	"peerdrop/discovery"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/storage"
	"peerdrop/transfer"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("node: already running")

// Options configures a Node.
type Options struct {
	Settings *config.Settings
	DataDir  string
	// ListenAddress overrides the listen port from Settings.
	ListenAddress string
	// Substrate replaces the configured TCP or WebRTC substrate.
	Substrate network.Substrate
	Manager   network.ManagerOptions
	Transfer  transfer.Options
	Logger    *logrus.Entry
}

// Node wires the connection manager, the transfer session, persistence,
// discovery and the HTTP surface together.
type Node struct {
	settings *config.Settings
	local    models.PeerIdentity
	dataDir  string
	log      *logrus.Entry

	store     *storage.Store
	static    *network.StaticResolver
	tcp       *network.TCPSubstrate
	substrate network.Substrate
	manager   *network.Manager
	session   *transfer.Session
	api       *api.Server
	discovery atomic.Pointer[discovery.Service]

	sourcesMu sync.Mutex
	sources   map[string]*transfer.FileSource

	running   atomic.Bool
	events    chan transfer.Event
	ready     chan struct{}
	startedAt time.Time
	closeOnce sync.Once
}

// New builds a node from settings. Nothing touches the network until Run.
func New(options Options) (*Node, error) {
	settings := options.Settings
	if settings == nil {
		return nil, fmt.Errorf("%w: no settings", config.ErrInvalidSettings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	local, _ := settings.Identity()

	log := options.Logger
	if log == nil {
		log = logrus.WithField("component", "node")
	}
	log = log.WithField("peer_id", local.String())

	store, _, err := storage.Open(options.DataDir)
	if err != nil {
		return nil, err
	}
	if n, err := store.MarkInterruptedTransfers(); err != nil {
		_ = store.Close()
		return nil, err
	} else if n > 0 {
		log.WithField("count", n).Info("marked transfers from previous run as interrupted")
	}

	n := &Node{
		settings: settings,
		local:    local,
		dataDir:  options.DataDir,
		log:      log,
		store:    store,
		static:   network.NewStaticResolver(),
		sources:  make(map[string]*transfer.FileSource),
		events:   make(chan transfer.Event, 256),
		ready:    make(chan struct{}),
	}

	n.substrate = options.Substrate
	if n.substrate == nil {
		if err := n.buildSubstrate(options.ListenAddress); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	managerOptions := options.Manager
	managerOptions.Local = local
	managerOptions.Substrate = n.substrate
	if managerOptions.Logger == nil {
		managerOptions.Logger = logrus.WithField("component", "manager")
	}
	n.manager, err = network.NewManager(managerOptions)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transferOptions := options.Transfer
	transferOptions.DownloadDir = settings.DownloadDir
	transferOptions.SinkMode = sinkKind(settings.SinkMode)
	if transferOptions.Logger == nil {
		transferOptions.Logger = logrus.WithField("component", "session")
	}
	n.session = transfer.NewSession(transferOptions)

	if settings.APIAddress != "" {
		n.api = api.NewServer(n, logrus.WithField("component", "api"))
	}
	return n, nil
}

func (n *Node) buildSubstrate(listenAddress string) error {
	if listenAddress == "" {
		listenAddress = net.JoinHostPort("", strconv.Itoa(n.settings.ListenPort))
	}
	n.tcp = network.NewTCPSubstrate(network.TCPOptions{
		ListenAddress: listenAddress,
		Resolver:      n.resolver(),
		Logger:        logrus.WithField("component", "tcp"),
	})

	switch n.settings.Substrate {
	case config.SubstrateWebRTC:
		rtc, err := network.NewWebRTCSubstrate(network.WebRTCOptions{
			ICEServers: n.settings.ICEServers,
			Signaling:  n.tcp,
			Logger:     logrus.WithField("component", "webrtc"),
		})
		if err != nil {
			return err
		}
		n.substrate = rtc
	default:
		n.substrate = n.tcp
	}
	return nil
}

// resolver looks peers up in the manual book, the persisted endpoints and
// then on the LAN.
func (n *Node) resolver() network.Resolver {
	stored := network.ResolverFunc(func(_ context.Context, peer models.PeerIdentity) (string, error) {
		endpoint, err := n.store.GetPeerEndpoint(peer.String())
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", network.ErrPeerNotFound, peer, err)
		}
		return endpoint.Address, nil
	})
	lan := network.ResolverFunc(func(ctx context.Context, peer models.PeerIdentity) (string, error) {
		svc := n.discovery.Load()
		if svc == nil {
			return "", fmt.Errorf("%w: %s: discovery disabled", network.ErrPeerNotFound, peer)
		}
		return svc.Resolve(ctx, peer)
	})
	return network.ChainResolver{n.static, stored, lan}
}

// Local returns this node's identity.
func (n *Node) Local() models.PeerIdentity {
	return n.local
}

// Addr returns the bound TCP address once Run has started the substrate.
func (n *Node) Addr() string {
	if n.tcp == nil {
		return ""
	}
	return n.tcp.Addr()
}

// Ready is closed once the substrate is up.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Events returns transfer events after they were persisted. Events are
// dropped while the buffer is full. The channel is closed when Run returns.
func (n *Node) Events() <-chan transfer.Event {
	return n.events
}

// Manager exposes the connection manager.
func (n *Node) Manager() *network.Manager {
	return n.manager
}

// AddPeer records a known address for peer in memory and in the database.
func (n *Node) AddPeer(peer models.PeerIdentity, address string) error {
	if _, err := models.ParsePeerIdentity(peer.String()); err != nil {
		return err
	}
	n.static.Set(peer, address)
	return n.store.UpsertPeerEndpoint(storage.PeerEndpoint{
		PeerID:  peer.String(),
		Address: address,
		Source:  storage.PeerSourceManual,
	})
}

// Connect opens a link to peer with the manager's retry policy.
func (n *Node) Connect(ctx context.Context, peer models.PeerIdentity) error {
	_, err := n.manager.Connect(ctx, peer)
	return err
}

// SendFile queues the file at path for the current or next link.
func (n *Node) SendFile(ctx context.Context, path string) (models.FileDescriptor, error) {
	source, err := transfer.OpenFileSource(path)
	if err != nil {
		return models.FileDescriptor{}, err
	}
	descriptor, err := models.NewFileDescriptor(filepath.Base(path), source.Size(), detectMimeType(path))
	if err != nil {
		_ = source.Close()
		return models.FileDescriptor{}, err
	}

	n.sourcesMu.Lock()
	n.sources[descriptor.ID] = source
	n.sourcesMu.Unlock()

	if err := n.session.Send(ctx, descriptor, source); err != nil {
		n.releaseSource(descriptor.ID)
		return models.FileDescriptor{}, err
	}
	return descriptor, nil
}

// Run starts every service and blocks until ctx ends or a service fails.
// A substrate that cannot start is returned as network.ErrSubstrateUnavailable.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.Close()

	if err := n.manager.Start(ctx); err != nil {
		close(n.events)
		return err
	}
	n.startedAt = time.Now()
	n.startDiscovery()
	close(n.ready)
	n.log.WithFields(logrus.Fields{
		"substrate": n.settings.Substrate,
		"address":   n.Addr(),
	}).Info("node running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.session.Run(gctx)
	})
	g.Go(func() error {
		return n.pumpManagerEvents(gctx)
	})
	g.Go(func() error {
		n.pumpSessionEvents()
		return nil
	})
	if svc := n.discovery.Load(); svc != nil {
		g.Go(func() error {
			n.pumpDiscoveryEvents(svc.Scanner.Events())
			return nil
		})
	}
	if n.api != nil {
		g.Go(func() error {
			return n.api.ListenAndServe(gctx, n.settings.APIAddress)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if svc := n.discovery.Load(); svc != nil {
			svc.Stop()
		}
		return n.manager.Close()
	})

	err := g.Wait()
	close(n.events)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases the database and any open sources.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		_ = n.manager.Close()
		n.sourcesMu.Lock()
		for id, source := range n.sources {
			_ = source.Close()
			delete(n.sources, id)
		}
		n.sourcesMu.Unlock()
		err = n.store.Close()
	})
	return err
}

func (n *Node) startDiscovery() {
	if !n.settings.DiscoveryEnabled || n.tcp == nil {
		return
	}
	_, portRaw, err := net.SplitHostPort(n.tcp.Addr())
	if err != nil {
		n.log.WithError(err).Warn("discovery disabled: no listen port")
		return
	}
	port, _ := strconv.Atoi(portRaw)

	svc, err := discovery.Start(discovery.Config{
		Self:          n.local,
		ListeningPort: port,
		Logger:        logrus.WithField("component", "discovery"),
	})
	if err != nil {
		n.log.WithError(err).Warn("discovery startup failed")
		return
	}
	n.discovery.Store(svc)
}

// pumpManagerEvents feeds links into the session. It returns
// network.ErrManagerClosed if the manager shut down on its own.
func (n *Node) pumpManagerEvents(ctx context.Context) error {
	for ev := range n.manager.Events() {
		switch ev.Type {
		case network.EventLinkReady:
			if err := n.session.Attach(ctx, ev.Link, ev.Remote); err != nil && ctx.Err() == nil {
				n.log.WithError(err).Warn("attach link failed")
			}
			if err := n.store.MarkPeerConnected(ev.Remote.String(), ev.Time.UnixMilli()); err != nil && !errors.Is(err, storage.ErrNotFound) {
				n.log.WithError(err).Warn("record peer connection failed")
			}
		case network.EventLinkClosed:
			cause := ev.Err
			if cause == nil {
				cause = network.ErrHandleClosed
			}
			if err := n.session.Detach(ctx, ev.Link, cause); err != nil && ctx.Err() == nil {
				n.log.WithError(err).Warn("detach link failed")
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return network.ErrManagerClosed
}

func (n *Node) pumpSessionEvents() {
	for ev := range n.session.Events() {
		n.recordHistory(ev)
		if ev.Direction == transfer.DirectionSend && (ev.Kind == transfer.EventCompleted || ev.Kind == transfer.EventFailed) {
			n.releaseSource(ev.Descriptor.ID)
		}

		select {
		case n.events <- ev:
		default:
			if ev.Kind != transfer.EventProgress {
				n.log.WithFields(logrus.Fields{
					"event":       string(ev.Kind),
					"transfer_id": ev.Descriptor.ID,
				}).Debug("no reader for node event")
			}
		}
	}
}

func (n *Node) pumpDiscoveryEvents(events <-chan discovery.Event) {
	for ev := range events {
		if ev.Type != discovery.EventPeerUpserted {
			continue
		}
		address := ev.Peer.Address()
		if address == "" {
			continue
		}
		seen := ev.Peer.LastSeen.UnixMilli()
		if err := n.store.UpsertPeerEndpoint(storage.PeerEndpoint{
			PeerID:            ev.Peer.PeerID.String(),
			Address:           address,
			Source:            storage.PeerSourceDiscovery,
			LastSeenTimestamp: &seen,
		}); err != nil {
			n.log.WithError(err).Warn("record discovered peer failed")
		}
	}
}

func (n *Node) releaseSource(id string) {
	n.sourcesMu.Lock()
	source, ok := n.sources[id]
	delete(n.sources, id)
	n.sourcesMu.Unlock()
	if ok {
		_ = source.Close()
	}
}

func sinkKind(mode string) transfer.SinkKind {
	switch mode {
	case config.SinkModeMemory:
		return transfer.SinkMemory
	case config.SinkModeStream:
		return transfer.SinkStream
	default:
		return ""
	}
}

func detectMimeType(path string) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(detected.String())
	if err != nil {
		return detected.String()
	}
	return mediaType
}
