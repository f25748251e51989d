// Package discovery advertises the node over mDNS and browses for other
// nodes. It complements broadcast presence on networks that filter
// broadcast traffic.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_mapsync._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys.
const (
	txtUID      = "uid"
	txtSyncPort = "sync_port"
	txtMaster   = "master"
	txtVersion  = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	SelfUID      string
	InstanceName string
	SyncPort     uint16
	Master       bool

	// OnPeer is called for every peer parsed during a scan, including peers
	// that did not change since the previous scan.
	OnPeer func(DiscoveredPeer)

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if strings.TrimSpace(out.InstanceName) == "" {
		out.InstanceName = "mapsync-" + out.SelfUID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfUID) == "" {
		return errors.New("self uid is required")
	}
	if c.SyncPort == 0 {
		return errors.New("sync port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfUID) == "" {
		return errors.New("self uid is required")
	}
	return nil
}

func (c Config) txt() []string {
	return []string{
		txtUID + "=" + c.SelfUID,
		txtSyncPort + "=" + strconv.Itoa(int(c.SyncPort)),
		txtMaster + "=" + strconv.FormatBool(c.Master),
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
}

// Broadcaster advertises the local node via mDNS.
type Broadcaster struct {
	cfg    Config
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, int(cfg.SyncPort), cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Broadcaster{cfg: cfg, server: server}, nil
}

// SetMaster re-announces the TXT record with a new role.
func (b *Broadcaster) SetMaster(master bool) {
	if b == nil || b.cfg.Master == master {
		return
	}
	b.cfg.Master = master
	if b.server != nil {
		b.server.SetText(b.cfg.txt())
	}
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}

// PeerLease is how long a peer found by a scan should be kept without
// being seen again: one refresh interval plus two scan windows.
func (c Config) PeerLease() time.Duration {
	cfg := c.withDefaults()
	return cfg.RefreshInterval + 2*cfg.ScanTimeout
}

// Run keeps the service up until ctx is done or the scanner stops. When
// master is set, the advertised role follows it on every refresh interval.
// Scanner events are handed to onEvent in order.
func (s *Service) Run(ctx context.Context, master func() bool, onEvent func(Event)) error {
	interval := DefaultRefreshInterval
	if s.Scanner != nil {
		interval = s.Scanner.cfg.RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan Event
	if s.Scanner != nil {
		events = s.Scanner.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if master != nil {
				s.Broadcaster.SetMaster(master())
			}
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if onEvent != nil {
				onEvent(event)
			}
		}
	}
}
