// Package node wires presence, the transfer server, the sync orchestrator
// and their helpers into one supervised process.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"mapsync/config"
	"mapsync/discovery"
	"mapsync/fsroot"
	"mapsync/hasher"
	"mapsync/identity"
	"mapsync/models"
	"mapsync/network"
	"mapsync/presence"
	"mapsync/storage"
	"mapsync/syncer"
	"mapsync/watch"
)

const rescanTimeout = 10 * time.Second

// Options adjusts how a Node binds and reports. Zero values follow the
// configuration.
type Options struct {
	// DataDir holds the journal; empty disables journaling.
	DataDir string
	// PresenceAddress overrides the presence bind address.
	PresenceAddress string
	// BroadcastAddress overrides the presence broadcast destination.
	BroadcastAddress string
	// AdvertiseIP overrides the announced address.
	AdvertiseIP string
	// TransferAddress overrides the transfer server bind address.
	TransferAddress string
	// MetricsAddress overrides the configured metrics listener.
	MetricsAddress string
	// DisableWatcher leaves change detection to explicit PathsUpdated calls.
	DisableWatcher bool

	// OnMessage receives presence messages not consumed by the node.
	OnMessage func(presence.Message)
	Logger    *log.Logger
}

// Node is one running mapsync participant.
type Node struct {
	cfg  config.NodeConfig
	uid  string
	opts Options
	log  *log.Logger

	root         *fsroot.Root
	digests      *hasher.Cache
	journal      *storage.Store
	server       network.Server
	dialer       network.Dialer
	presence     *presence.Service
	orchestrator *syncer.Orchestrator
	watcher      *watch.Watcher

	statusMu sync.Mutex
	serving  map[string]network.TransferProgress

	scannerMu sync.Mutex
	scanner   *discovery.PeerScanner

	closeOnce sync.Once
}

// New builds every component and binds the sockets. Nothing runs until
// Serve is called; Close releases what New acquired.
func New(cfg *config.NodeConfig, uid string, options Options) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("node: config is required")
	}
	if !identity.Valid(uid) {
		return nil, fmt.Errorf("%w: %q", identity.ErrInvalid, uid)
	}
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}

	n := &Node{
		cfg:     *cfg,
		uid:     uid,
		opts:    options,
		log:     logger,
		serving: make(map[string]network.TransferProgress),
	}
	if err := n.build(); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	matcher, err := fsroot.NewMatcher(n.cfg.ExcludePatterns)
	if err != nil {
		return err
	}
	n.root, err = fsroot.New(n.cfg.SyncedFolder, matcher)
	if err != nil {
		return err
	}
	n.digests = hasher.NewCache(hasher.New(n.cfg.HashAlgorithm), 0)

	if n.opts.DataDir != "" {
		store, _, err := storage.Open(n.opts.DataDir)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		n.journal = store
	}

	serverOpts := network.ServerOptions{
		Root:       n.root,
		Digests:    n.digests,
		OnProgress: n.onServerProgress,
		Logger:     n.log,
	}
	address := n.transferAddress()
	switch n.cfg.Transport {
	case config.TransportTCP:
		server, err := network.ListenStream(address, serverOpts)
		if err != nil {
			return err
		}
		n.server = server
		n.dialer = network.StreamDialer{Options: network.ClientOptions{Logger: n.log}}
	default:
		server, err := network.ListenDatagram(address, serverOpts)
		if err != nil {
			return err
		}
		n.server = server
		n.dialer = &network.DatagramDialer{UID: n.uid, Options: network.ClientOptions{Logger: n.log}}
	}

	listen := n.opts.PresenceAddress
	if listen == "" {
		listen = ":" + strconv.Itoa(n.cfg.PresencePort)
	}
	svc, err := presence.Setup(presence.Config{
		UID:               n.uid,
		ListenAddress:     listen,
		BroadcastAddress:  n.opts.BroadcastAddress,
		AdvertiseIP:       n.opts.AdvertiseIP,
		SyncPort:          n.server.Port(),
		IsMaster:          n.cfg.Master,
		LivenessTimeout:   n.cfg.LivenessTimeout(),
		HeartbeatInterval: n.cfg.HeartbeatInterval(),
		OnMessage:         n.opts.OnMessage,
		Logger:            n.log,
	})
	if err != nil {
		return err
	}
	n.statusMu.Lock()
	n.presence = svc
	n.statusMu.Unlock()

	var journal syncer.Journal
	if n.journal != nil {
		journal = n.journal
	}
	n.orchestrator, err = syncer.New(syncer.Options{
		UID:         n.uid,
		Root:        n.root,
		Digests:     n.digests,
		Dialer:      n.dialer,
		Journal:     journal,
		Active:      n.cfg.Master,
		MaxAttempts: n.cfg.MaxSyncAttempts,
		Logger:      n.log,
	})
	if err != nil {
		return err
	}

	if !n.opts.DisableWatcher {
		n.watcher, err = watch.New(watch.Options{
			Root:   n.root,
			Sink:   n.orchestrator,
			Logger: n.log,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) transferAddress() string {
	if n.opts.TransferAddress != "" {
		return n.opts.TransferAddress
	}
	port := 0
	if n.cfg.TransferPortMode == config.PortModeFixed {
		port = n.cfg.TransferPort
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// UID returns the local identifier.
func (n *Node) UID() string {
	return n.uid
}

// Root returns the synced folder.
func (n *Node) Root() *fsroot.Root {
	return n.root
}

// TransferPort returns the bound transfer server port.
func (n *Node) TransferPort() uint16 {
	return n.server.Port()
}

// PresenceAddr returns the bound presence socket address.
func (n *Node) PresenceAddr() *net.UDPAddr {
	return n.presence.LocalAddr()
}

// Peers returns the current peer table, self included.
func (n *Node) Peers() []models.Peer {
	return n.presence.Peers()
}

// SyncStatus returns the orchestrator's per-peer view.
func (n *Node) SyncStatus() []syncer.PeerSyncState {
	return n.orchestrator.Status()
}

// Journal returns the sync journal, or nil when journaling is disabled.
func (n *Node) Journal() *storage.Store {
	return n.journal
}

// IsMaster reports the local role.
func (n *Node) IsMaster() bool {
	return n.presence.IsMaster()
}

// SetMaster switches the local role, announces it and gates pushing.
func (n *Node) SetMaster(master bool) error {
	n.orchestrator.SetActive(master)
	if err := n.presence.SetMaster(master); err != nil {
		return fmt.Errorf("announce role: %w", err)
	}
	return nil
}

// Rescan requests a full rescan of the synced folder and, when mDNS is
// running, an immediate peer scan.
func (n *Node) Rescan() {
	n.orchestrator.PathsUpdated(nil, true)

	n.scannerMu.Lock()
	scanner := n.scanner
	n.scannerMu.Unlock()
	if scanner == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rescanTimeout)
		defer cancel()
		if err := scanner.Refresh(ctx); err != nil {
			n.log.Printf("node: mdns refresh failed: %v", err)
		}
	}()
}

// PathsUpdated forwards local change reports to the orchestrator.
func (n *Node) PathsUpdated(paths []string, initialize bool) {
	n.orchestrator.PathsUpdated(paths, initialize)
}

// Serve runs every component under a supervisor until ctx is done, then
// releases all resources.
func (n *Node) Serve(ctx context.Context) error {
	defer n.Close()

	sup := suture.New("mapsync", suture.Spec{
		EventHook: func(e suture.Event) {
			n.log.Printf("node: %s", e)
		},
		Timeout: 10 * time.Second,
	})

	sup.Add(asService("presence", func(ctx context.Context) error {
		err := n.presence.Serve(ctx)
		if errors.Is(err, presence.ErrClosed) {
			return suture.ErrDoNotRestart
		}
		return err
	}))
	sup.Add(asService("transfer", func(ctx context.Context) error {
		if err := n.server.Serve(ctx); err != nil && ctx.Err() == nil {
			return suture.ErrDoNotRestart
		}
		return nil
	}))
	sup.Add(asService("sync", n.orchestrator.Serve))
	sup.Add(asService("peers", n.bridgePeers))
	sup.Add(asService("events", n.bridgeEvents))
	if n.watcher != nil {
		sup.Add(asService("watch", n.watcher.Serve))
	}
	if n.cfg.MDNSEnabled {
		sup.Add(asService("mdns", n.serveDiscovery))
	}
	if addr := n.metricsAddress(); addr != "" {
		sup.Add(asService("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, addr)
		}))
	}

	n.log.Printf("node: uid=%s folder=%s transport=%s transfer_port=%d master=%t",
		n.uid, n.root.Dir(), n.cfg.Transport, n.server.Port(), n.cfg.Master)
	n.orchestrator.PathsUpdated(nil, true)

	err := sup.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases sockets and the journal. It is safe to call more than once.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		if n.presence != nil {
			if err := n.presence.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if n.server != nil {
			if err := n.server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if closer, ok := n.dialer.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if n.journal != nil {
			if err := n.journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (n *Node) metricsAddress() string {
	if n.opts.MetricsAddress != "" {
		return n.opts.MetricsAddress
	}
	return n.cfg.MetricsAddress
}

func (n *Node) serveDiscovery(ctx context.Context) error {
	cfg := discovery.Config{
		SelfUID:      n.uid,
		InstanceName: n.cfg.NodeName,
		SyncPort:     n.server.Port(),
		Master:       n.presence.IsMaster(),
	}
	lease := cfg.PeerLease()
	cfg.OnPeer = func(p discovery.DiscoveredPeer) {
		n.leasePeer(p, lease)
	}

	svc, err := discovery.Start(cfg)
	if err != nil {
		return err
	}
	n.setScanner(svc.Scanner)
	defer func() {
		n.setScanner(nil)
		svc.Stop()
	}()

	return svc.Run(ctx, n.presence.IsMaster, func(e discovery.Event) {
		n.onDiscoveryEvent(e, lease)
	})
}

func (n *Node) setScanner(scanner *discovery.PeerScanner) {
	n.scannerMu.Lock()
	n.scanner = scanner
	n.scannerMu.Unlock()
}
