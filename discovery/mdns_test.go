package discovery

import (
	"context"
	"net"
	"sync/atomic"
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

	cfg := Config{
		SelfUID:  "SELFaaaa",
		SyncPort: 40123,
		Master:   true,
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

	if gotInstance != "mapsync-SELFaaaa" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 40123 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "uid=SELFaaaa")
	assertContainsTXT(t, gotTXT, "sync_port=40123")
	assertContainsTXT(t, gotTXT, "master=true")
	assertContainsTXT(t, gotTXT, "version=1")

	broadcaster.SetMaster(false)
	if broadcaster.cfg.Master {
		t.Fatalf("expected role change to be recorded")
	}
	broadcaster.Stop()
}

func TestStartBroadcasterRequiresSyncPort(t *testing.T) {
	cfg := Config{
		SelfUID: "SELFaaaa",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register must not be called without a sync port")
			return nil, nil
		},
	}
	if _, err := StartBroadcaster(cfg); err == nil {
		t.Fatalf("expected error for missing sync port")
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfUID:  "SELFaaaa",
		SyncPort: 9999,
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

func TestRunStopsWithContext(t *testing.T) {
	cfg := Config{
		SelfUID:         "SELFaaaa",
		SyncPort:        9999,
		RefreshInterval: 10 * time.Millisecond,
		ScanTimeout:     5 * time.Millisecond,
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
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, func() bool { return true }, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunForwardsScannerEvents(t *testing.T) {
	var calls int32
	cfg := Config{
		SelfUID:         "SELFaaaa",
		SyncPort:        9999,
		RefreshInterval: 30 * time.Millisecond,
		ScanTimeout:     15 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				entries <- testServiceEntry("PEERbbbb", 9998, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}
	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 8)
	go func() {
		_ = svc.Run(ctx, nil, func(e Event) { events <- e })
	}()

	if !waitForEvent(events, EventPeerUpserted, "PEERbbbb", 2*time.Second) {
		t.Fatal("expected upsert to be forwarded")
	}
	if !waitForEvent(events, EventPeerRemoved, "PEERbbbb", 2*time.Second) {
		t.Fatal("expected removal to be forwarded")
	}
}

func TestPeerLeaseCoversRefreshAndScan(t *testing.T) {
	cfg := Config{RefreshInterval: 10 * time.Second, ScanTimeout: 3 * time.Second}
	if got := cfg.PeerLease(); got != 16*time.Second {
		t.Fatalf("expected 16s lease, got %s", got)
	}
	if got := (Config{}).PeerLease(); got <= DefaultRefreshInterval {
		t.Fatalf("default lease %s must outlast the refresh interval", got)
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
