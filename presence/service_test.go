package presence

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

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

func newLoopbackService(t *testing.T, uid string, broadcast string, syncPort uint16, master bool) *Service {
	t.Helper()

	svc, err := Setup(Config{
		UID:              uid,
		ListenAddress:    "127.0.0.1:0",
		BroadcastAddress: broadcast,
		AdvertiseIP:      "127.0.0.1",
		SyncPort:         syncPort,
		IsMaster:         master,
		ReadTimeout:      50 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Setup %s failed: %v", uid, err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestAnnounceAndReplyPopulateBothTables(t *testing.T) {
	peer := newLoopbackService(t, "PEERbbbb", "127.0.0.1:9", 5000, false)
	master := newLoopbackService(t, "MASTaaaa", peer.LocalAddr().String(), 4000, true)

	waitForCondition(t, 2*time.Second, func() bool {
		peer.Process()
		p, ok := peer.Table().Get("MASTaaaa")
		return ok && p.SyncPort == 4000
	})

	waitForCondition(t, 2*time.Second, func() bool {
		master.Process()
		p, ok := master.Table().Get("PEERbbbb")
		return ok && p.SyncPort == 5000 && p.IP == "127.0.0.1"
	})

	if err := master.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		peer.Process()
		p, _ := peer.Table().Get("MASTaaaa")
		return p.IsMaster
	})

	count := 0
	for _, p := range peer.Peers() {
		if p.UID == "MASTaaaa" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry for the master, got %d", count)
	}
	if peer.Table().Len() != 2 {
		t.Fatalf("expected self plus master, got %d entries", peer.Table().Len())
	}
}

func TestProcessSurfacesOtherCommandsAndIgnoresOtherTargets(t *testing.T) {
	node := newLoopbackService(t, "NODEaaaa", "127.0.0.1:9", 4000, false)
	node.Process()

	sender, err := net.DialUDP("udp4", nil, node.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer sender.Close()

	send := func(frame string) {
		if _, err := sender.Write([]byte(frame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	send("OTHRcccc" + "SOMEONEX" + "2")
	send("OTHRcccc" + "00000000" + "3" + `{"fn":"reload"}`)

	var got []Message
	waitForCondition(t, 2*time.Second, func() bool {
		got = append(got, node.Process()...)
		return len(got) >= 1
	})

	if got[0].Command != CmdScriptCall || got[0].Payload != `{"fn":"reload"}` {
		t.Fatalf("unexpected surfaced message %+v", got[0])
	}
	if _, ok := node.Table().Get("OTHRcccc"); !ok {
		t.Fatalf("expected sender to be tracked after any datagram")
	}
}

func TestMalformedAnnounceIsDropped(t *testing.T) {
	node := newLoopbackService(t, "NODEaaaa", "127.0.0.1:9", 4000, false)

	sender, err := net.DialUDP("udp4", nil, node.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte("BADDcccc" + "00000000" + "0" + "10.0.0.9:notaport")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := sender.Write([]byte("GOODdddd" + "00000000" + "0" + "10.0.0.7:4100")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		node.Process()
		p, ok := node.Table().Get("GOODdddd")
		return ok && p.SyncPort == 4100
	})

	bad, ok := node.Table().Get("BADDcccc")
	if !ok {
		t.Fatalf("expected malformed sender to still refresh last_seen")
	}
	if bad.SyncPort != 0 {
		t.Fatalf("malformed payload must not update the address, got %+v", bad)
	}
}

func TestFramesFromInvalidSendersAreDropped(t *testing.T) {
	node := newLoopbackService(t, "NODEaaaa", "127.0.0.1:9", 4000, false)

	sender, err := net.DialUDP("udp4", nil, node.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer sender.Close()

	invalid := []string{"00000000", "bad uid!", "sp ce-xx", "\x00\x00\x00\x00\x00\x00\x00\x00"}
	for _, from := range invalid {
		if _, err := sender.Write([]byte(from + "00000000" + "0" + "10.0.0.9:4100")); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if _, err := sender.Write([]byte("GOODdddd" + "00000000" + "0" + "10.0.0.7:4100")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		node.Process()
		_, ok := node.Table().Get("GOODdddd")
		return ok
	})

	if n := node.Table().Len(); n != 2 {
		t.Fatalf("expected only self and GOODdddd, got %d entries: %+v", n, node.Peers())
	}
}

func TestSetMasterUpdatesSelfAndPeers(t *testing.T) {
	peer := newLoopbackService(t, "PEERbbbb", "127.0.0.1:9", 5000, false)
	master := newLoopbackService(t, "MASTaaaa", peer.LocalAddr().String(), 4000, false)

	if err := master.SetMaster(true); err != nil {
		t.Fatalf("SetMaster failed: %v", err)
	}
	self, _ := master.Table().Get("MASTaaaa")
	if !self.IsMaster || !master.IsMaster() {
		t.Fatalf("expected local role to be master")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		peer.Process()
		p, ok := peer.Table().Get("MASTaaaa")
		return ok && p.IsMaster
	})

	if err := master.SetMaster(false); err != nil {
		t.Fatalf("SetMaster failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		peer.Process()
		p, _ := peer.Table().Get("MASTaaaa")
		return !p.IsMaster
	})
}

func TestSetupRejectsInvalidIdentity(t *testing.T) {
	if _, err := Setup(Config{UID: "short", ListenAddress: "127.0.0.1:0"}); err == nil {
		t.Fatalf("expected invalid identity to fail setup")
	}
}

func TestCloseStopsServe(t *testing.T) {
	node := newLoopbackService(t, "NODEaaaa", "127.0.0.1:9", 4000, false)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- node.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	_ = node.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after Close")
	}
	if err := node.Broadcast(CmdAnnounce, "x"); err == nil {
		t.Fatalf("expected sends to fail after Close")
	}
}
