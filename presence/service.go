// Package presence implements the broadcast announce protocol that keeps
// the table of nodes reachable on the local network.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"mapsync/identity"
	"mapsync/models"
	"mapsync/netaddr"
	"mapsync/packet"
)

const (
	// DefaultPort is the well-known presence port.
	DefaultPort = 11999
	// DefaultLivenessTimeout is how long a silent peer is kept.
	DefaultLivenessTimeout = 5 * time.Second
	// DefaultTickInterval paces Process when driven by Serve.
	DefaultTickInterval = 100 * time.Millisecond
	// DefaultHeartbeatInterval paces the heartbeat sender.
	DefaultHeartbeatInterval = time.Second
	// DefaultReannounceEvery is the number of heartbeats between announces.
	DefaultReannounceEvery = 5
	// DefaultReadTimeout bounds each blocking receive.
	DefaultReadTimeout = 500 * time.Millisecond

	defaultQueueSize     = 256
	defaultMaxPerProcess = 64
	maxDatagramSize      = 32 * 1024
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("presence: service closed")

// Config controls a presence Service.
type Config struct {
	UID string
	// ListenAddress is the local bind address, default ":11999".
	ListenAddress string
	// BroadcastAddress is the destination of broadcast frames. It defaults
	// to the subnet broadcast of AdvertiseIP on the listen port.
	BroadcastAddress string
	// AdvertiseIP is announced to peers, default the preferred outbound address.
	AdvertiseIP string
	// SyncPort is the transfer server port announced to peers.
	SyncPort uint16
	IsMaster bool

	LivenessTimeout   time.Duration
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	ReannounceEvery   int
	ReadTimeout       time.Duration
	QueueSize         int
	MaxPerProcess     int

	// OnMessage receives every surfaced message when the service is driven
	// by Serve.
	OnMessage func(Message)
	Logger    *log.Logger

	now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ListenAddress == "" {
		c.ListenAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReannounceEvery <= 0 {
		c.ReannounceEvery = DefaultReannounceEvery
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxPerProcess <= 0 {
		c.MaxPerProcess = defaultMaxPerProcess
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c Config) validate() error {
	if !identity.Valid(c.UID) {
		return fmt.Errorf("%w: %q", identity.ErrInvalid, c.UID)
	}
	return nil
}

type datagram struct {
	data      []byte
	src       *net.UDPAddr
	broadcast bool
	at        time.Time
}

// Service owns the presence socket and the peer table.
type Service struct {
	cfg       Config
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	broadcast *net.UDPAddr
	table     *PeerTable

	mu         sync.Mutex
	advertise  string
	isMaster   bool
	syncStatus models.SyncStatus

	inbound chan datagram

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Setup binds the presence socket, registers the local node in the peer
// table and broadcasts the initial announce. A bind failure is returned.
func Setup(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	advertise := cfg.AdvertiseIP
	if advertise == "" {
		ip, err := netaddr.PreferredOutboundAddress()
		if err != nil {
			cfg.Logger.Printf("presence: no outbound route, advertising loopback: %v", err)
			ip = "127.0.0.1"
		}
		advertise = ip
	}

	lc := net.ListenConfig{Control: controlBroadcastReuse}
	pc, err := lc.ListenPacket(context.Background(), "udp4", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("bind presence listener %s: %w", cfg.ListenAddress, err)
	}
	conn := pc.(*net.UDPConn)

	target := cfg.BroadcastAddress
	if target == "" {
		port := conn.LocalAddr().(*net.UDPAddr).Port
		target = net.JoinHostPort(netaddr.BroadcastAddressFor(advertise), strconv.Itoa(port))
	}
	broadcast, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resolve broadcast address %q: %w", target, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		pconn = nil
	}

	s := &Service{
		cfg:       cfg,
		conn:      conn,
		pconn:     pconn,
		broadcast: broadcast,
		table:     NewPeerTable(cfg.LivenessTimeout),
		advertise: advertise,
		isMaster:  cfg.IsMaster,
		inbound:   make(chan datagram, cfg.QueueSize),
		closed:    make(chan struct{}),
	}
	s.table.SetSelf(s.selfPeer(cfg.now()))
	metricPeers.Set(float64(s.table.Len()))

	s.wg.Add(1)
	go s.readLoop()

	cfg.Logger.Printf("presence: uid=%s listening on %s broadcasting to %s", cfg.UID, conn.LocalAddr(), broadcast)
	if err := s.Broadcast(CmdAnnounce, s.addressPayload()); err != nil {
		cfg.Logger.Printf("presence: initial announce failed: %v", err)
	}
	return s, nil
}

// UID returns the local identifier.
func (s *Service) UID() string {
	return s.cfg.UID
}

// LocalAddr returns the bound socket address.
func (s *Service) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Table exposes the peer table.
func (s *Service) Table() *PeerTable {
	return s.table
}

// Peers returns a copy of the peer table.
func (s *Service) Peers() []models.Peer {
	return s.table.List()
}

// Version returns the peer table's change counter.
func (s *Service) Version() uint64 {
	return s.table.Version()
}

// Prune drops silent peers.
func (s *Service) Prune(now time.Time) []string {
	removed := s.table.Prune(now)
	metricPeers.Set(float64(s.table.Len()))
	return removed
}

func (s *Service) selfPeer(now time.Time) models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Peer{
		UID:        s.cfg.UID,
		IP:         s.advertise,
		SyncPort:   s.cfg.SyncPort,
		IsMaster:   s.isMaster,
		IsSelf:     true,
		LastSeen:   now,
		SyncStatus: s.syncStatus,
	}
}

func (s *Service) addressPayload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FormatIPPort(s.advertise, s.cfg.SyncPort)
}

// IsMaster reports the local role.
func (s *Service) IsMaster() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isMaster
}

// SetMaster changes the local role and broadcasts MASTER_ON or MASTER_OFF.
func (s *Service) SetMaster(master bool) error {
	s.mu.Lock()
	s.isMaster = master
	s.mu.Unlock()

	s.table.SetMaster(s.cfg.UID, master)
	cmd := CmdMasterOff
	if master {
		cmd = CmdMasterOn
	}
	return s.Broadcast(cmd, "")
}

// SetLocalSyncStatus updates what the next heartbeat advertises.
func (s *Service) SetLocalSyncStatus(active bool, filename string, progress float32) {
	status := models.SyncStatus{Active: active, Filename: filename, Progress: progress}
	s.mu.Lock()
	s.syncStatus = status
	s.mu.Unlock()
	s.table.SetSyncStatus(s.cfg.UID, status)
}

func (s *Service) writeTo(raw []byte, dst *net.UDPAddr, label string) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if _, err := s.conn.WriteToUDP(raw, dst); err != nil {
		return fmt.Errorf("send %s to %s: %w", label, dst, err)
	}
	metricDatagramsSent.WithLabelValues(label).Inc()
	return nil
}

// Broadcast sends a frame addressed to every node.
func (s *Service) Broadcast(cmd Command, payload string) error {
	raw, err := EncodeFrame(s.cfg.UID, identity.Broadcast, cmd, payload)
	if err != nil {
		return err
	}
	return s.writeTo(raw, s.broadcast, cmd.String())
}

// Send sends a frame addressed to one node. The frame is unicast when the
// node's address is known and broadcast otherwise.
func (s *Service) Send(to string, cmd Command, payload string) error {
	raw, err := EncodeFrame(s.cfg.UID, to, cmd, payload)
	if err != nil {
		return err
	}
	dst := s.broadcast
	if p, ok := s.table.Get(to); ok && p.IP != "" && !p.IsSelf {
		if ip := net.ParseIP(p.IP); ip != nil {
			dst = &net.UDPAddr{IP: ip, Port: s.broadcast.Port}
		}
	}
	return s.writeTo(raw, dst, cmd.String())
}

// BroadcastPacket sends an encoded binary packet to every node.
func (s *Service) BroadcastPacket(raw []byte) error {
	if !packet.IsBinary(raw) {
		return fmt.Errorf("%w: not a binary packet", ErrMalformedFrame)
	}
	return s.writeTo(raw, s.broadcast, "binary")
}

// SendHeartbeat broadcasts the local role and sync status.
func (s *Service) SendHeartbeat() error {
	s.mu.Lock()
	hb := packet.Heartbeat{
		PeerID:      s.cfg.UID,
		IsMaster:    s.isMaster,
		IsSyncing:   s.syncStatus.Active,
		Progress:    s.syncStatus.Progress,
		SyncingFile: s.syncStatus.Filename,
	}
	s.mu.Unlock()

	raw, err := packet.EncodeHeartbeat(s.cfg.UID, hb)
	if err != nil {
		return err
	}
	return s.writeTo(raw, s.broadcast, "heartbeat")
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		var (
			n         int
			src       net.Addr
			broadcast bool
			err       error
		)
		if s.pconn != nil {
			var cm *ipv4.ControlMessage
			n, cm, src, err = s.pconn.ReadFrom(buf)
			broadcast = cm != nil && isBroadcastDst(cm.Dst)
		} else {
			n, src, err = s.conn.ReadFrom(buf)
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			s.cfg.Logger.Printf("presence: receive failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		udpSrc, _ := src.(*net.UDPAddr)
		d := datagram{
			data:      append([]byte(nil), buf[:n]...),
			src:       udpSrc,
			broadcast: broadcast,
			at:        s.cfg.now(),
		}
		select {
		case s.inbound <- d:
		default:
			metricDatagramsDropped.WithLabelValues(dropQueueFull).Inc()
		}
	}
}

func isBroadcastDst(ip net.IP) bool {
	ip4 := ip.To4()
	return ip4 != nil && ip4[3] == 0xff
}

// Process handles the datagrams received since the previous call and prunes
// silent peers. It never waits for network data.
func (s *Service) Process() []Message {
	var out []Message
drain:
	for i := 0; i < s.cfg.MaxPerProcess; i++ {
		select {
		case d := <-s.inbound:
			if msg, ok := s.handle(d); ok {
				out = append(out, msg)
			}
		default:
			break drain
		}
	}

	for _, uid := range s.Prune(s.cfg.now()) {
		s.cfg.Logger.Printf("presence: peer %s timed out", uid)
	}
	return out
}

func (s *Service) handle(d datagram) (Message, bool) {
	delivery := "unicast"
	if d.broadcast {
		delivery = "broadcast"
	}

	if packet.IsBinary(d.data) {
		metricDatagramsReceived.WithLabelValues("binary", delivery).Inc()
		return s.handlePacket(d)
	}
	metricDatagramsReceived.WithLabelValues("text", delivery).Inc()
	return s.handleFrame(d)
}

func (s *Service) sourceIP(d datagram) string {
	if d.src == nil {
		return ""
	}
	return d.src.IP.String()
}

func (s *Service) handleFrame(d datagram) (Message, bool) {
	msg, err := DecodeFrame(d.data)
	if err != nil {
		metricDatagramsDropped.WithLabelValues(dropMalformed).Inc()
		return Message{}, false
	}
	if msg.From == s.cfg.UID {
		return Message{}, false
	}
	if !identity.Valid(msg.From) {
		metricDatagramsDropped.WithLabelValues(dropMalformed).Inc()
		return Message{}, false
	}
	msg.Source = d.src
	msg.ReceivedAt = d.at

	created := s.table.Touch(msg.From, s.sourceIP(d), d.at)
	if msg.To != identity.Broadcast && msg.To != s.cfg.UID {
		return Message{}, false
	}

	switch msg.Command {
	case CmdAnnounce, CmdAnnounceReply:
		ip, port, err := ParseIPPort(msg.Payload)
		if err != nil {
			metricDatagramsDropped.WithLabelValues(dropBadAddr).Inc()
			s.cfg.Logger.Printf("presence: ignoring %s from %s: %v", msg.Command, msg.From, err)
			break
		}
		if parsed := net.ParseIP(ip); parsed.IsUnspecified() && d.src != nil {
			ip = d.src.IP.String()
		}
		s.table.SetAddress(msg.From, ip, port, d.at)
		if msg.Command == CmdAnnounce {
			if err := s.reply(msg.From, d.src); err != nil {
				s.cfg.Logger.Printf("presence: announce reply to %s failed: %v", msg.From, err)
			}
		}
	case CmdMasterOn:
		s.table.SetMaster(msg.From, true)
	case CmdMasterOff:
		s.table.SetMaster(msg.From, false)
	default:
		if created {
			s.requestAnnounce(msg.From, d.src)
		}
	}
	metricPeers.Set(float64(s.table.Len()))
	return msg, true
}

func (s *Service) reply(to string, src *net.UDPAddr) error {
	raw, err := EncodeFrame(s.cfg.UID, to, CmdAnnounceReply, s.addressPayload())
	if err != nil {
		return err
	}
	if src == nil {
		return s.writeTo(raw, s.broadcast, CmdAnnounceReply.String())
	}
	return s.writeTo(raw, src, CmdAnnounceReply.String())
}

func (s *Service) requestAnnounce(to string, src *net.UDPAddr) {
	raw, err := EncodeFrame(s.cfg.UID, to, CmdAnnounce, s.addressPayload())
	if err != nil || src == nil {
		return
	}
	if err := s.writeTo(raw, src, CmdAnnounce.String()); err != nil {
		s.cfg.Logger.Printf("presence: announce to %s failed: %v", to, err)
	}
}

func (s *Service) handlePacket(d datagram) (Message, bool) {
	p, err := packet.Decode(d.data)
	if err != nil {
		metricDatagramsDropped.WithLabelValues(dropMalformed).Inc()
		return Message{}, false
	}
	from := p.Header.SenderID
	if from == s.cfg.UID || !identity.Valid(from) {
		return Message{}, false
	}

	created := s.table.Touch(from, s.sourceIP(d), d.at)
	if p.Heartbeat != nil {
		s.table.SetMaster(from, p.Heartbeat.IsMaster)
		s.table.SetSyncStatus(from, models.SyncStatus{
			Active:   p.Heartbeat.IsSyncing,
			Filename: p.Heartbeat.SyncingFile,
			Progress: p.Heartbeat.Progress,
		})
	}
	if peer, ok := s.table.Get(from); created || (ok && peer.SyncPort == 0) {
		s.requestAnnounce(from, d.src)
	}
	metricPeers.Set(float64(s.table.Len()))

	return Message{
		From:       from,
		To:         identity.Broadcast,
		Command:    cmdBinary,
		Packet:     &p,
		Source:     d.src,
		ReceivedAt: d.at,
	}, true
}

// Serve drives Process on a ticker and runs the heartbeat sender until ctx
// is done, then closes the socket.
func (s *Service) Serve(ctx context.Context) error {
	defer s.Close()

	s.wg.Add(1)
	go s.heartbeatLoop(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return ErrClosed
		case <-ticker.C:
			for _, msg := range s.Process() {
				if s.cfg.OnMessage != nil {
					s.cfg.OnMessage(msg)
				}
			}
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	beats := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}

		s.table.SetSelf(s.selfPeer(s.cfg.now()))
		if err := s.SendHeartbeat(); err != nil && !errors.Is(err, ErrClosed) {
			s.cfg.Logger.Printf("presence: heartbeat failed: %v", err)
		}
		beats++
		if beats%s.cfg.ReannounceEvery == 0 {
			if err := s.Broadcast(CmdAnnounce, s.addressPayload()); err != nil && !errors.Is(err, ErrClosed) {
				s.cfg.Logger.Printf("presence: announce failed: %v", err)
			}
		}
	}
}

// Close stops the receiver and closes the socket.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
