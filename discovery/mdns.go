package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"peerdrop/models"
)

// Defaults applied by Config when a field is left zero.
const (
	DefaultService         = "_peerdrop._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	// DefaultTTL is the advertised record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys.
const (
	txtPeerID  = "peer_id"
	txtVersion = "version"
)

var errDiscoveryStopped = errors.New("discovery: not running")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes what this node advertises and how often it scans.
type Config struct {
	Service string
	Domain  string
	Version int

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter is how long a peer missing from scans stays listed.
	// Zero means twice the TTL.
	PeerStaleAfter time.Duration

	Self          models.PeerIdentity
	InstanceName  string
	ListeningPort int

	Logger *logrus.Entry

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.PeerStaleAfter <= 0 {
		c.PeerStaleAfter = 2 * time.Duration(c.TTL) * time.Second
	}
	if c.InstanceName == "" && c.Self != "" {
		c.InstanceName = "peerdrop-" + c.Self.String()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "discovery")
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	if c.browseFn == nil {
		c.browseFn = browseWithZeroconf
	}
	return c
}

// validate checks the identity, and the port when the config is used to advertise.
func (c Config) validate(advertising bool) error {
	if _, err := models.ParsePeerIdentity(c.Self.String()); err != nil {
		return fmt.Errorf("discovery self: %w", err)
	}
	if advertising && (c.ListeningPort <= 0 || c.ListeningPort > 65535) {
		return fmt.Errorf("discovery: invalid listening port %d", c.ListeningPort)
	}
	return nil
}

func (c Config) txtRecord() []string {
	return []string{
		txtPeerID + "=" + c.Self.String(),
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// Advertiser publishes the local identity and port on the LAN.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the service record and keeps answering queries until Stop.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(true); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecord(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}
	cfg.Logger.WithFields(logrus.Fields{
		"peer_id":  cfg.Self,
		"port":     cfg.ListeningPort,
		"instance": cfg.InstanceName,
	}).Info("advertising on LAN")
	return &Advertiser{server: server}, nil
}

// Stop withdraws the record.
func (a *Advertiser) Stop() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Service pairs an Advertiser with a PeerScanner.
type Service struct {
	Advertiser *Advertiser
	Scanner    *PeerScanner
}

// Start advertises and begins background scans with one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := Advertise(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := NewPeerScanner(cfg)
	if err == nil {
		err = scanner.Start()
	}
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	return &Service{Advertiser: advertiser, Scanner: scanner}, nil
}

// Resolve returns a dialable address for peer.
func (s *Service) Resolve(ctx context.Context, peer models.PeerIdentity) (string, error) {
	if s == nil || s.Scanner == nil {
		return "", errDiscoveryStopped
	}
	return s.Scanner.Resolve(ctx, peer)
}

// Stop ends scanning, then withdraws the record.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.Scanner.Stop()
	s.Advertiser.Stop()
}

func browseWithZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}
