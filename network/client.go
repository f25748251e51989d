package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"mapsync/fsroot"
	"mapsync/models"
)

// Client performs transfer requests against one peer's server. Calls are
// serialized; each is bounded by the configured timeouts and by ctx.
type Client interface {
	List(ctx context.Context) (map[string]models.FileInfo, error)
	Download(ctx context.Context, remote, local string) error
	Upload(ctx context.Context, local, remote string, progress ProgressFunc) error
	Remove(ctx context.Context, remote string) error
	Close() error
}

// Dialer opens a Client to a peer's transfer address ("ip:port").
type Dialer interface {
	Dial(ctx context.Context, address string) (Client, error)
}

// StreamDialer dials StreamServer peers.
type StreamDialer struct {
	Options ClientOptions
}

// Dial connects to a stream server.
func (d StreamDialer) Dial(ctx context.Context, address string) (Client, error) {
	opts := d.Options.withDefaults()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return &streamClient{
		raw:  conn,
		conn: &timedConn{Conn: conn, timeout: opts.IOTimeout},
		opts: opts,
	}, nil
}

type streamClient struct {
	mu     sync.Mutex
	raw    net.Conn
	conn   *timedConn
	opts   ClientOptions
	broken bool
}

func (c *streamClient) do(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.Close()
	})
	err := fn()
	if !stop() {
		c.broken = true
		return fmt.Errorf("request aborted: %w", ctx.Err())
	}

	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) {
		c.broken = true
		_ = c.raw.Close()
	}
	return err
}

func (c *streamClient) writeRequest(cmd byte, path string) error {
	buf := []byte{cmd}
	if cmd != CmdList {
		if len(path) > MaxPathLength {
			return ErrPathTooLong
		}
		buf = append(buf, byte(len(path)>>8), byte(len(path)))
		buf = append(buf, path...)
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("write %s request: %w", commandName(cmd), err)
	}
	return nil
}

func (c *streamClient) List(ctx context.Context) (map[string]models.FileInfo, error) {
	var listing map[string]models.FileInfo
	err := c.do(ctx, func() error {
		if err := c.writeRequest(CmdList, ""); err != nil {
			return err
		}
		if err := ReadStatus(c.conn); err != nil {
			return err
		}
		payload, err := ReadFrame(c.conn)
		if err != nil {
			return err
		}
		listing, err = ParseListing(payload)
		return err
	})
	return listing, err
}

func (c *streamClient) Download(ctx context.Context, remote, local string) error {
	return c.do(ctx, func() error {
		if err := c.writeRequest(CmdGet, remote); err != nil {
			return err
		}
		if err := ReadStatus(c.conn); err != nil {
			return err
		}
		size, err := ReadSize(c.conn)
		if err != nil {
			return err
		}

		w, err := fsroot.CreateAtomicPath(local)
		if err != nil {
			return err
		}
		defer w.Abort()

		if err := copyWithProgress(w, c.conn, size, newProgressMeter(size, nil)); err != nil {
			return err
		}
		return w.Commit()
	})
}

func (c *streamClient) Upload(ctx context.Context, local, remote string, progress ProgressFunc) error {
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

	return c.do(ctx, func() error {
		if err := c.writeRequest(CmdPut, remote); err != nil {
			return err
		}
		if err := ReadStatus(c.conn); err != nil {
			return err
		}
		if err := WriteSize(c.conn, uint64(size)); err != nil {
			return err
		}
		if err := copyWithProgress(c.conn, file, size, newProgressMeter(size, progress)); err != nil {
			return err
		}
		return ReadStatus(c.conn)
	})
}

func (c *streamClient) Remove(ctx context.Context, remote string) error {
	return c.do(ctx, func() error {
		if err := c.writeRequest(CmdDelete, remote); err != nil {
			return err
		}
		return ReadStatus(c.conn)
	})
}

func (c *streamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	return c.raw.Close()
}
