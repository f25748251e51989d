package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"mapsync/models"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfUID:         "SELFaaaa",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("SELFaaaa", 9999, "10.0.0.1")
			entries <- testServiceEntry("PEERbbbb", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("PEERcccc", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	var seen []string
	collect := func(want string) {
		t.Helper()
		deadline := time.After(time.Second)
		for {
			select {
			case event := <-scanner.Events():
				seen = append(seen, event.Peer.UID)
				if event.Type == EventPeerUpserted && event.Peer.UID == want {
					return
				}
			case <-deadline:
				t.Fatalf("no upsert for %s, saw %v", want, seen)
			}
		}
	}
	collect("PEERbbbb")

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	collect("PEERcccc")

	for _, uid := range seen {
		if uid == "SELFaaaa" {
			t.Fatalf("self must never be reported, saw %v", seen)
		}
	}
}

func TestPeerScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfUID:         "SELFaaaa",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("PEERbbbb", 9998, "10.0.0.2")
				entries <- testServiceEntry("PEERcccc", 9997, "10.0.0.3")
			} else {
				entries <- testServiceEntry("PEERcccc", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventPeerRemoved, "PEERbbbb", 2*time.Second) {
		t.Fatalf("expected peer removal event for PEERbbbb")
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfUID:         "SELFaaaa",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("PEERbbbb", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if !waitForEvent(scanner.Events(), EventPeerUpserted, "PEERbbbb", time.Second) {
		t.Fatalf("expected upsert event for PEERbbbb")
	}
}

func TestPeerScannerReportsEveryParsedPeer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []models.Peer
	)
	cfg := Config{
		SelfUID:         "SELFaaaa",
		RefreshInterval: time.Hour,
		ScanTimeout:     30 * time.Millisecond,
		OnPeer: func(p DiscoveredPeer) {
			mu.Lock()
			seen = append(seen, p.Peer())
			mu.Unlock()
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("PEERbbbb", 40123, "192.168.1.20")
			entries <- &zeroconf.ServiceEntry{Text: []string{"uid=bad"}}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	})

	mu.Lock()
	got := seen[0]
	mu.Unlock()
	if got.UID != "PEERbbbb" || got.IP != "192.168.1.20" || got.SyncPort != 40123 {
		t.Fatalf("unexpected peer: %+v", got)
	}
	if !got.IsMaster || got.Source != models.PeerSourceMDNS {
		t.Fatalf("expected master flag and mdns source, got %+v", got)
	}
}

func TestDiscoveredPeerPrefersIPv4(t *testing.T) {
	peer := DiscoveredPeer{
		UID:       "PEERbbbb",
		SyncPort:  1,
		Addresses: []string{"fe80::1", "10.0.0.7"},
	}
	if got := peer.Peer().IP; got != "10.0.0.7" {
		t.Fatalf("expected IPv4 address, got %q", got)
	}

	v6only := DiscoveredPeer{UID: "PEERbbbb", Addresses: []string{"fe80::1"}}
	if got := v6only.Peer().IP; got != "fe80::1" {
		t.Fatalf("expected IPv6 fallback, got %q", got)
	}
}

func testServiceEntry(uid string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: "mapsync-" + uid,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: uid + ".local",
		Port:     port,
		Text: []string{
			"uid=" + uid,
			"sync_port=" + strconv.Itoa(port),
			"master=true",
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, uid string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.UID == uid {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
