package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DatagramServer serves a root over UDP. A HELLO on the well-known port
// opens a session on its own ephemeral socket; the session then carries any
// number of requests until it idles out.
type DatagramServer struct {
	conn  *net.UDPConn
	opts  ServerOptions
	files fileService

	ctx    context.Context
	cancel context.CancelFunc

	sessions *xsync.MapOf[string, *datagramSession]

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenDatagram binds the well-known UDP port and starts accepting
// handshakes.
func ListenDatagram(address string, options ServerOptions) (*DatagramServer, error) {
	opts := options.withDefaults()
	if opts.Root == nil {
		return nil, errors.New("network: server root is required")
	}
	if address == "" {
		address = ":0"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &DatagramServer{
		conn:     conn,
		opts:     opts,
		files:    fileService{opts: opts},
		ctx:      ctx,
		cancel:   cancel,
		sessions: xsync.NewMapOf[string, *datagramSession](),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the well-known address.
func (s *DatagramServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Port returns the well-known port.
func (s *DatagramServer) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Sessions returns the number of open sessions.
func (s *DatagramServer) Sessions() int {
	return s.sessions.Size()
}

// Serve blocks until ctx is done or the server is closed.
func (s *DatagramServer) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.closed:
	}
	return s.Close()
}

// Close stops the handshake loop, closes every session socket and waits for
// the session goroutines to return.
func (s *DatagramServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.conn.Close()
		s.sessions.Range(func(_ string, session *datagramSession) bool {
			_ = session.conn.Close()
			return true
		})
		s.wg.Wait()
	})
	return closeErr
}

func (s *DatagramServer) acceptLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.opts.Logger.Printf("transfer: datagram read failed: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		d, err := decodeDgram(buf[:n])
		if err != nil || d.typ != DgramHello || len(d.payload) < helloTokenSize {
			continue
		}
		s.handleHello(d, from)
	}
}

func (s *DatagramServer) handleHello(hello dgram, from *net.UDPAddr) {
	token := hello.payload[:helloTokenSize]
	key := hex.EncodeToString(token)

	session, ok := s.sessions.Load(key)
	if !ok {
		if s.ctx.Err() != nil {
			return
		}
		created, err := s.newSession(key, from)
		if err != nil {
			s.opts.Logger.Printf("transfer: open session for %s: %v", from, err)
			return
		}
		session = created
		s.sessions.Store(key, session)

		uid := string(hello.payload[helloTokenSize:])
		s.opts.Logger.Printf("transfer: session %s opened for %s (%s) on port %d", key[:8], from, uid, session.port())
		metricSessions.WithLabelValues(transportDatagram).Inc()
		s.wg.Add(1)
		go session.run()
	}

	payload := make([]byte, 4+helloTokenSize)
	binary.BigEndian.PutUint32(payload, uint32(session.port()))
	copy(payload[4:], token)
	raw, err := encodeDgram(DgramWelcome, hello.seq, 0, payload)
	if err != nil {
		return
	}
	if s.opts.drop != nil && s.opts.drop(DgramWelcome, hello.seq) {
		return
	}
	if _, err := s.conn.WriteToUDP(raw, from); err != nil {
		s.opts.Logger.Printf("transfer: welcome to %s: %v", from, err)
	}
}

func (s *DatagramServer) newSession(key string, peer *net.UDPAddr) (*datagramSession, error) {
	local := s.conn.LocalAddr().(*net.UDPAddr)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP, Zone: local.Zone})
	if err != nil {
		return nil, err
	}
	return &datagramSession{
		server: s,
		key:    key,
		conn:   conn,
		link:   newLink(conn, peer, s.opts.Datagram, s.opts.drop),
	}, nil
}

type datagramSession struct {
	server *DatagramServer
	key    string
	conn   *net.UDPConn
	link   *link

	// lastID is the highest request id handled; lastAck and lastFinal are
	// replayed when the peer retries it.
	lastID    uint32
	lastAck   []byte
	lastFinal []byte
}

func (s *datagramSession) port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *datagramSession) logf(format string, args ...any) {
	s.server.opts.Logger.Printf("transfer: session "+s.key[:8]+": "+format, args...)
}

func (s *datagramSession) run() {
	defer s.server.wg.Done()
	defer metricSessions.WithLabelValues(transportDatagram).Dec()
	defer s.server.sessions.Delete(s.key)
	defer s.conn.Close()

	ctx := s.server.ctx
	var pending *dgram
	for {
		var d dgram
		if pending != nil {
			d, pending = *pending, nil
		} else {
			var err error
			d, err = s.link.recv(ctx, deadlineIn(s.server.opts.SessionIdleTimeout))
			if errors.Is(err, errRecvTimeout) {
				s.logf("idle, closing")
				return
			}
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					s.logf("read failed: %v", err)
				}
				return
			}
		}
		pending = s.handle(ctx, d)
	}
}

// handle serves one packet and returns a packet that interrupted it, if any.
func (s *datagramSession) handle(ctx context.Context, d dgram) *dgram {
	switch {
	case d.typ == DgramPing:
		_ = s.link.send(ctx, DgramPong, d.seq, 0, nil)
		return nil
	case d.typ == DgramDone:
		if tid, _, ok := d.transferID(); ok && tid == s.lastID && s.lastAck != nil {
			_ = s.link.sendRaw(ctx, s.lastAck)
			if s.lastFinal != nil {
				_ = s.link.sendRaw(ctx, s.lastFinal)
			}
		}
		return nil
	case !isRequest(d.typ):
		return nil
	}

	if d.seq <= s.lastID {
		if d.seq == s.lastID && s.lastFinal != nil {
			_ = s.link.sendRaw(ctx, s.lastFinal)
		}
		return nil
	}
	s.lastID, s.lastAck, s.lastFinal = d.seq, nil, nil

	var (
		next *dgram
		err  error
	)
	switch d.typ {
	case DgramList:
		next, err = s.serveList(ctx, d)
	case DgramGet:
		next, err = s.serveGet(ctx, d)
	case DgramPut:
		next, err = s.servePut(ctx, d)
	case DgramDelete:
		err = s.serveDelete(ctx, d)
	}
	metricRequests.WithLabelValues(transportDatagram, dgramName(d.typ), resultLabel(err)).Inc()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logf("%s %d: %v", dgramName(d.typ), d.seq, err)
	}
	return next
}

func (s *datagramSession) final(ctx context.Context, id uint32, cause error) error {
	var (
		raw []byte
		err error
	)
	if cause == nil {
		raw, err = encodeDgram(DgramOK, id, phaseFinal, nil)
	} else {
		msg := publicError(cause)
		if limit := MaxDatagramSize - DatagramHeaderSize; len(msg) > limit {
			msg = msg[:limit]
		}
		raw, err = encodeDgram(DgramErr, id, phaseFinal, []byte(msg))
	}
	if err != nil {
		return err
	}
	s.lastFinal = raw
	if err := s.link.sendRaw(ctx, raw); err != nil {
		return err
	}
	return cause
}

func (s *datagramSession) serveList(ctx context.Context, d dgram) (*dgram, error) {
	listing, err := s.server.files.listing(ctx)
	if err != nil {
		return nil, s.final(ctx, d.seq, err)
	}
	return s.link.sendTransfer(ctx, d.seq, bytes.NewReader(listing), int64(len(listing)), nil)
}

func (s *datagramSession) serveGet(ctx context.Context, d dgram) (*dgram, error) {
	rel := string(d.payload)
	file, size, err := s.server.files.open(rel)
	if err != nil {
		return nil, s.final(ctx, d.seq, err)
	}
	defer file.Close()

	opts := s.server.opts
	meter := newProgressMeter(size, func(done, total int64) {
		opts.report(TransferProgress{Direction: DirectionDownload, Path: rel, Bytes: done, Total: total})
	})
	next, err := s.link.sendTransfer(ctx, d.seq, file, size, meter)
	metricBytes.WithLabelValues(transportDatagram, "out").Add(float64(meter.done))
	opts.report(TransferProgress{Direction: DirectionDownload, Path: rel, Bytes: meter.done, Total: size, Done: true, Err: err})
	return next, err
}

func (s *datagramSession) servePut(ctx context.Context, d dgram) (*dgram, error) {
	declared, rel, err := decodePutPayload(d.payload)
	if err == nil && declared > MaxDatagramTransferSize {
		err = fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, declared)
	}
	if err != nil {
		return nil, s.final(ctx, d.seq, err)
	}
	w, err := s.server.files.create(rel)
	if err != nil {
		return nil, s.final(ctx, d.seq, err)
	}
	defer w.Abort()

	ready, err := encodeDgram(DgramOK, d.seq, phaseReady, nil)
	if err != nil {
		return nil, err
	}
	if err := s.link.sendRaw(ctx, ready); err != nil {
		return nil, err
	}

	var next *dgram
	onOther := func(other dgram) error {
		switch {
		case other.typ == DgramPut && other.seq == d.seq:
			return s.link.sendRaw(ctx, ready)
		case other.typ == DgramPing:
			return s.link.send(ctx, DgramPong, other.seq, 0, nil)
		case isRequest(other.typ) && other.seq > d.seq:
			next = &other
			return errSuperseded
		}
		return nil
	}

	opts := s.server.opts
	meter := newProgressMeter(int64(declared), func(done, total int64) {
		opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: done, Total: total})
	})
	received, err := s.link.receiveTransfer(ctx, d.seq, nil, w, meter, int64(declared), onOther)
	metricBytes.WithLabelValues(transportDatagram, "in").Add(float64(meter.done))
	if err == nil && uint64(received) != declared {
		err = fmt.Errorf("%w: declared %d, received %d", ErrSizeMismatch, declared, received)
	}
	if err != nil {
		opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: meter.done, Total: int64(declared), Done: true, Err: err})
		if next != nil || errors.Is(err, ErrTransferTimeout) {
			return next, err
		}
		return nil, s.final(ctx, d.seq, err)
	}

	if ack, err := encodeDgram(DgramDone, 0, chunkCount(received), withTransferID(d.seq, nil)); err == nil {
		s.lastAck = ack
	}
	err = s.server.files.commit(w)
	opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: received, Total: int64(declared), Done: true, Err: err})
	return nil, s.final(ctx, d.seq, err)
}

func (s *datagramSession) serveDelete(ctx context.Context, d dgram) error {
	rel := string(d.payload)
	err := s.server.files.remove(rel)
	s.server.opts.report(TransferProgress{Direction: DirectionDelete, Path: rel, Done: true, Err: err})
	return s.final(ctx, d.seq, err)
}

var (
	_ Server = (*StreamServer)(nil)
	_ Server = (*DatagramServer)(nil)
)
