package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Server is a running transfer server of either variant.
type Server interface {
	Addr() net.Addr
	Port() uint16
	Serve(ctx context.Context) error
	Close() error
}

// StreamServer serves a root over TCP. Each connection is handled by its own
// goroutine and may carry any number of requests.
type StreamServer struct {
	listener net.Listener
	opts     ServerOptions
	files    fileService

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenStream starts a TCP listener and its accept loop.
func ListenStream(address string, options ServerOptions) (*StreamServer, error) {
	opts := options.withDefaults()
	if opts.Root == nil {
		return nil, errors.New("network: server root is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &StreamServer{
		listener: listener,
		opts:     opts,
		files:    fileService{opts: opts},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *StreamServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening port.
func (s *StreamServer) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// Serve blocks until ctx is done or the server is closed.
func (s *StreamServer) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.closed:
	}
	return s.Close()
}

// Close stops accepting, closes live connections and waits for their
// handlers to return.
func (s *StreamServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *StreamServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if !errors.Is(err, net.ErrClosed) {
				s.opts.Logger.Printf("transfer: accept failed: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *StreamServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	metricSessions.WithLabelValues(transportStream).Inc()
	return true
}

func (s *StreamServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	metricSessions.WithLabelValues(transportStream).Dec()
}

func (s *StreamServer) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer s.untrack(raw)
	defer raw.Close()

	conn := &timedConn{Conn: raw, timeout: s.opts.IOTimeout}
	cmd := make([]byte, 1)
	for {
		if err := raw.SetReadDeadline(time.Now().Add(s.opts.SessionIdleTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(raw, cmd); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				s.opts.Logger.Printf("transfer: read command from %s: %v", raw.RemoteAddr(), err)
			}
			return
		}

		err := s.dispatch(conn, cmd[0])
		metricRequests.WithLabelValues(transportStream, commandName(cmd[0]), resultLabel(err)).Inc()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.opts.Logger.Printf("transfer: %s from %s: %v", commandName(cmd[0]), raw.RemoteAddr(), err)
			}
			var local *requestError
			if errors.As(err, &local) {
				continue
			}
			return
		}
	}
}

// requestError is a failure already reported to the peer; the session
// stays usable.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func (s *StreamServer) reject(conn io.Writer, err error) error {
	if werr := WriteError(conn, publicError(err)); werr != nil {
		return werr
	}
	return &requestError{err: err}
}

func (s *StreamServer) dispatch(conn *timedConn, cmd byte) error {
	switch cmd {
	case CmdList:
		return s.handleList(conn)
	case CmdGet:
		return s.handleGet(conn)
	case CmdPut:
		return s.handlePut(conn)
	case CmdDelete:
		return s.handleDelete(conn)
	default:
		_ = WriteError(conn, "unknown command")
		return fmt.Errorf("%w: %d", ErrUnknownCommand, cmd)
	}
}

func (s *StreamServer) handleList(conn *timedConn) error {
	listing, err := s.files.listing(s.ctx)
	if err != nil {
		return s.reject(conn, err)
	}
	if err := WriteOK(conn); err != nil {
		return err
	}
	return WriteFrame(conn, listing)
}

func (s *StreamServer) handleGet(conn *timedConn) error {
	rel, err := ReadPath(conn)
	if err != nil {
		return err
	}

	file, size, err := s.files.open(rel)
	if err != nil {
		return s.reject(conn, err)
	}
	defer file.Close()

	if err := WriteOK(conn); err != nil {
		return err
	}
	if err := WriteSize(conn, uint64(size)); err != nil {
		return err
	}

	meter := newProgressMeter(size, func(done, total int64) {
		s.opts.report(TransferProgress{Direction: DirectionDownload, Path: rel, Bytes: done, Total: total})
	})
	err = copyWithProgress(conn, file, size, meter)
	metricBytes.WithLabelValues(transportStream, "out").Add(float64(meter.done))
	s.opts.report(TransferProgress{Direction: DirectionDownload, Path: rel, Bytes: meter.done, Total: size, Done: true, Err: err})
	return err
}

func (s *StreamServer) handlePut(conn *timedConn) error {
	rel, err := ReadPath(conn)
	if err != nil {
		return err
	}

	w, err := s.files.create(rel)
	if err != nil {
		return s.reject(conn, err)
	}
	defer w.Abort()

	if err := WriteOK(conn); err != nil {
		return err
	}
	size, err := ReadSize(conn)
	if err != nil {
		return err
	}

	meter := newProgressMeter(size, func(done, total int64) {
		s.opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: done, Total: total})
	})
	err = copyWithProgress(w, conn, size, meter)
	metricBytes.WithLabelValues(transportStream, "in").Add(float64(meter.done))
	if err != nil {
		s.opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: meter.done, Total: size, Done: true, Err: err})
		return err
	}

	err = s.files.commit(w)
	s.opts.report(TransferProgress{Direction: DirectionUpload, Path: rel, Bytes: meter.done, Total: size, Done: true, Err: err})
	if err != nil {
		return s.reject(conn, err)
	}
	return WriteOK(conn)
}

func (s *StreamServer) handleDelete(conn *timedConn) error {
	rel, err := ReadPath(conn)
	if err != nil {
		return err
	}

	err = s.files.remove(rel)
	s.opts.report(TransferProgress{Direction: DirectionDelete, Path: rel, Done: true, Err: err})
	if err != nil {
		return s.reject(conn, err)
	}
	return WriteOK(conn)
}

// timedConn refreshes the connection deadline before every read and write.
type timedConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timedConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *timedConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
