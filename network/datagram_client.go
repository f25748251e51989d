package network

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"mapsync/fsroot"
	"mapsync/models"
)

// DatagramDialer dials DatagramServer peers. Sessions released by Close are
// kept per address and resumed with a PING when dialed again within the
// resume window. A DatagramDialer must not be copied after first use.
type DatagramDialer struct {
	Options ClientOptions
	// UID identifies this node in HELLO packets.
	UID string

	mu   sync.Mutex
	idle map[string]*datagramConn
}

// datagramConn is a client socket bound to one server session.
type datagramConn struct {
	address    string
	conn       *net.UDPConn
	server     *net.UDPAddr
	session    *net.UDPAddr
	lastID     uint32
	lastActive time.Time
}

// Dial resumes an idle session to address or performs a new handshake.
func (d *DatagramDialer) Dial(ctx context.Context, address string) (Client, error) {
	opts := d.Options.withDefaults()

	if dc := d.takeIdle(address); dc != nil {
		if time.Since(dc.lastActive) < opts.Datagram.ResumeWindow {
			client := newDatagramClient(d, dc, opts)
			err := client.ping(ctx)
			if err == nil {
				return client, nil
			}
			opts.Logger.Printf("transfer: resume session with %s: %v", address, err)
		}
		_ = dc.conn.Close()
	}

	dc, err := d.handshake(ctx, address, opts)
	if err != nil {
		return nil, err
	}
	return newDatagramClient(d, dc, opts), nil
}

// Close drops every idle session.
func (d *DatagramDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for address, dc := range d.idle {
		_ = dc.conn.Close()
		delete(d.idle, address)
	}
	return nil
}

func (d *DatagramDialer) takeIdle(address string) *datagramConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc := d.idle[address]
	delete(d.idle, address)
	return dc
}

func (d *DatagramDialer) release(dc *datagramConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle == nil {
		d.idle = make(map[string]*datagramConn)
	}
	if previous, ok := d.idle[dc.address]; ok && previous != dc {
		_ = previous.conn.Close()
	}
	d.idle[dc.address] = dc
}

func (d *DatagramDialer) handshake(ctx context.Context, address string, opts ClientOptions) (*datagramConn, error) {
	server, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}

	token, err := uuid.NewRandom()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload := append(token[:], d.UID...)

	l := newLink(conn, server, opts.Datagram, opts.drop)
	for attempt := 1; attempt <= opts.Datagram.HelloAttempts; attempt++ {
		if err := l.send(ctx, DgramHello, uint32(attempt), 0, payload); err != nil {
			_ = conn.Close()
			return nil, err
		}

		deadline := deadlineIn(opts.Datagram.HelloTimeout)
		for {
			reply, err := l.recv(ctx, deadline)
			if errors.Is(err, errRecvTimeout) {
				break
			}
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			if reply.typ != DgramWelcome || len(reply.payload) < 4+helloTokenSize ||
				!bytes.Equal(reply.payload[4:4+helloTokenSize], token[:]) {
				continue
			}
			port := binary.BigEndian.Uint32(reply.payload)
			if port == 0 || port > 65535 {
				continue
			}
			return &datagramConn{
				address:    address,
				conn:       conn,
				server:     server,
				session:    &net.UDPAddr{IP: server.IP, Port: int(port), Zone: server.Zone},
				lastActive: time.Now(),
			}, nil
		}
	}

	_ = conn.Close()
	return nil, fmt.Errorf("%w: no welcome from %s after %d attempts", ErrHandshakeFailed, address, opts.Datagram.HelloAttempts)
}

type datagramClient struct {
	mu     sync.Mutex
	dialer *DatagramDialer
	dc     *datagramConn
	link   *link
	opts   ClientOptions
	closed bool
	broken bool
}

func newDatagramClient(dialer *DatagramDialer, dc *datagramConn, opts ClientOptions) *datagramClient {
	return &datagramClient{
		dialer: dialer,
		dc:     dc,
		link:   newLink(dc.conn, dc.session, opts.Datagram, opts.drop),
		opts:   opts,
	}
}

func (c *datagramClient) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken {
		return ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn()
	var remote *RemoteError
	switch {
	case err == nil, errors.As(err, &remote):
		c.dc.lastActive = time.Now()
	case ctx.Err() != nil:
		c.broken = true
		return fmt.Errorf("request aborted: %w", ctx.Err())
	default:
		c.broken = true
	}
	return err
}

func (c *datagramClient) nextID() uint32 {
	c.dc.lastID++
	return c.dc.lastID
}

// request sends a request and retries it until accept matches a reply.
func (c *datagramClient) request(ctx context.Context, typ byte, id uint32, payload []byte, accept func(dgram) bool) (dgram, error) {
	tuning := c.opts.Datagram
	for attempt := 0; attempt < tuning.RequestAttempts; attempt++ {
		if err := c.link.send(ctx, typ, id, 0, payload); err != nil {
			return dgram{}, err
		}

		deadline := deadlineIn(tuning.RequestTimeout)
		for {
			reply, err := c.link.recv(ctx, deadline)
			if errors.Is(err, errRecvTimeout) {
				break
			}
			if err != nil {
				return dgram{}, err
			}
			if accept(reply) {
				return reply, nil
			}
		}
	}
	return dgram{}, fmt.Errorf("%w: no reply to %s %d", ErrTransferTimeout, dgramName(typ), id)
}

// ping checks that the server still holds the session. The id is not
// consumed so that a pending transfer on the server sees it as newer.
func (c *datagramClient) ping(ctx context.Context) error {
	id := c.dc.lastID + 1
	_, err := c.request(ctx, DgramPing, id, nil, func(d dgram) bool {
		return d.typ == DgramPong && d.seq == id
	})
	return err
}

func startsTransfer(id uint32) func(dgram) bool {
	return func(d dgram) bool {
		if d.typ == DgramErr && d.seq == id {
			return true
		}
		if d.typ != DgramSize && d.typ != DgramData && d.typ != DgramDone {
			return false
		}
		tid, _, ok := d.transferID()
		return ok && tid == id
	}
}

func isFinal(id uint32) func(dgram) bool {
	return func(d dgram) bool {
		return (d.typ == DgramOK || d.typ == DgramErr) && d.seq == id && d.total == phaseFinal
	}
}

func remoteErr(d dgram) error {
	return &RemoteError{Message: string(d.payload)}
}

func (c *datagramClient) fetch(ctx context.Context, typ byte, payload []byte, sink blastSink, meter *progressMeter) error {
	id := c.nextID()
	first, err := c.request(ctx, typ, id, payload, startsTransfer(id))
	if err != nil {
		return err
	}
	if first.typ == DgramErr {
		return remoteErr(first)
	}
	_, err = c.link.receiveTransfer(ctx, id, &first, sink, meter, -1, nil)
	return err
}

func (c *datagramClient) List(ctx context.Context) (map[string]models.FileInfo, error) {
	var listing map[string]models.FileInfo
	err := c.do(ctx, func() error {
		sink := &memSink{}
		if err := c.fetch(ctx, DgramList, nil, sink, nil); err != nil {
			return err
		}
		var err error
		listing, err = ParseListing(sink.buf)
		return err
	})
	return listing, err
}

func (c *datagramClient) Download(ctx context.Context, remote, local string) error {
	if len(remote) > MaxDatagramSize-DatagramHeaderSize {
		return ErrPathTooLong
	}
	return c.do(ctx, func() error {
		w, err := fsroot.CreateAtomicPath(local)
		if err != nil {
			return err
		}
		defer w.Abort()

		if err := c.fetch(ctx, DgramGet, []byte(remote), w, nil); err != nil {
			return err
		}
		return w.Commit()
	})
}

func (c *datagramClient) Upload(ctx context.Context, local, remote string, progress ProgressFunc) error {
	if len(remote) > MaxDatagramSize-DatagramHeaderSize-8 {
		return ErrPathTooLong
	}
	file, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %q: %w", local, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", local, err)
	}
	size := info.Size()
	if size > MaxDatagramTransferSize {
		return fmt.Errorf("%w: %q is %d bytes", ErrTransferTooLarge, local, size)
	}

	return c.do(ctx, func() error {
		id := c.nextID()
		ready, err := c.request(ctx, DgramPut, id, encodePutPayload(uint64(size), remote), func(d dgram) bool {
			return (d.typ == DgramOK || d.typ == DgramErr) && d.seq == id
		})
		if err != nil {
			return err
		}
		if ready.typ == DgramErr {
			return remoteErr(ready)
		}
		if ready.total == phaseFinal {
			return nil
		}

		final, err := c.link.sendTransfer(ctx, id, file, size, newProgressMeter(size, progress))
		if err != nil {
			return err
		}
		if final == nil || !isFinal(id)(*final) {
			reply, err := c.request(ctx, DgramDone, 0, withTransferID(id, nil), isFinal(id))
			if err != nil {
				return err
			}
			final = &reply
		}
		if final.typ == DgramErr {
			return remoteErr(*final)
		}
		return nil
	})
}

func (c *datagramClient) Remove(ctx context.Context, remote string) error {
	if len(remote) > MaxDatagramSize-DatagramHeaderSize {
		return ErrPathTooLong
	}
	return c.do(ctx, func() error {
		id := c.nextID()
		reply, err := c.request(ctx, DgramDelete, id, []byte(remote), isFinal(id))
		if err != nil {
			return err
		}
		if reply.typ == DgramErr {
			return remoteErr(reply)
		}
		return nil
	})
}

// Close hands a healthy session back to the dialer for resumption.
func (c *datagramClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.broken || c.dialer == nil {
		return c.dc.conn.Close()
	}
	c.dialer.release(c.dc)
	return nil
}
