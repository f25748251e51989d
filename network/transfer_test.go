package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mapsync/fsroot"
	"mapsync/hasher"
)

type transportCase struct {
	name   string
	listen func(t *testing.T, opts ServerOptions) Server
	dialer func(t *testing.T, opts ClientOptions) Dialer
}

func transports() []transportCase {
	return []transportCase{
		{
			name: "stream",
			listen: func(t *testing.T, opts ServerOptions) Server {
				t.Helper()
				server, err := ListenStream("127.0.0.1:0", opts)
				if err != nil {
					t.Fatalf("ListenStream failed: %v", err)
				}
				return server
			},
			dialer: func(t *testing.T, opts ClientOptions) Dialer {
				return StreamDialer{Options: opts}
			},
		},
		{
			name: "datagram",
			listen: func(t *testing.T, opts ServerOptions) Server {
				t.Helper()
				server, err := ListenDatagram("127.0.0.1:0", opts)
				if err != nil {
					t.Fatalf("ListenDatagram failed: %v", err)
				}
				return server
			},
			dialer: func(t *testing.T, opts ClientOptions) Dialer {
				dialer := &DatagramDialer{Options: opts, UID: "CLIENT01"}
				t.Cleanup(func() { _ = dialer.Close() })
				return dialer
			},
		},
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newServerRoot(t *testing.T) *fsroot.Root {
	t.Helper()
	root, err := fsroot.New(filepath.Join(t.TempDir(), "served"), nil)
	if err != nil {
		t.Fatalf("fsroot.New failed: %v", err)
	}
	return root
}

func writeRootFile(t *testing.T, root *fsroot.Root, rel string, content []byte) {
	t.Helper()
	abs, err := root.Resolve(rel)
	if err != nil {
		t.Fatalf("Resolve %q failed: %v", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		t.Fatalf("write %q failed: %v", rel, err)
	}
}

func readRootFile(t *testing.T, root *fsroot.Root, rel string) []byte {
	t.Helper()
	abs, err := root.Resolve(rel)
	if err != nil {
		t.Fatalf("Resolve %q failed: %v", rel, err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("read %q failed: %v", rel, err)
	}
	return content
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return buf
}

func startTransport(t *testing.T, tc transportCase, opts ServerOptions) Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	server := tc.listen(t, opts)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func dialTransport(t *testing.T, tc transportCase, server Server, opts ClientOptions) Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := tc.dialer(t, opts).Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTransferRoundTrip(t *testing.T) {
	md5 := hasher.New(hasher.AlgorithmMD5)

	for _, tc := range transports() {
		t.Run(tc.name, func(t *testing.T) {
			root := newServerRoot(t)
			small := []byte("hello map")
			large := randomBytes(t, 200*1024+17)
			writeRootFile(t, root, "a.txt", small)
			writeRootFile(t, root, "dir/b.bin", large)
			writeRootFile(t, root, "skip.tmp", []byte("partial"))

			var (
				mu     sync.Mutex
				events []TransferProgress
			)
			server := startTransport(t, tc, ServerOptions{
				Root: root,
				OnProgress: func(p TransferProgress) {
					mu.Lock()
					events = append(events, p)
					mu.Unlock()
				},
			})
			client := dialTransport(t, tc, server, ClientOptions{})
			ctx := context.Background()

			listing, err := client.List(ctx)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(listing) != 2 {
				t.Fatalf("expected 2 entries, got %v", listing)
			}
			if got := listing["dir/b.bin"]; got.Size != uint64(len(large)) || got.Hash != md5.Bytes(large) {
				t.Fatalf("unexpected entry for dir/b.bin: %+v", got)
			}
			if got := listing["a.txt"]; got.Size != uint64(len(small)) || got.Hash != md5.Bytes(small) {
				t.Fatalf("unexpected entry for a.txt: %+v", got)
			}

			local := filepath.Join(t.TempDir(), "nested", "b.bin")
			if err := client.Download(ctx, "dir/b.bin", local); err != nil {
				t.Fatalf("Download failed: %v", err)
			}
			if got, err := os.ReadFile(local); err != nil || !bytes.Equal(got, large) {
				t.Fatalf("downloaded content mismatch (err=%v)", err)
			}

			upload := randomBytes(t, 300*1024+5)
			source := filepath.Join(t.TempDir(), "upload.bin")
			if err := os.WriteFile(source, upload, 0o644); err != nil {
				t.Fatalf("write source failed: %v", err)
			}
			var lastDone, lastTotal int64
			err = client.Upload(ctx, source, "up/new.bin", func(done, total int64) {
				lastDone, lastTotal = done, total
			})
			if err != nil {
				t.Fatalf("Upload failed: %v", err)
			}
			if lastDone != int64(len(upload)) || lastTotal != int64(len(upload)) {
				t.Fatalf("expected final progress %d/%d, got %d/%d", len(upload), len(upload), lastDone, lastTotal)
			}
			if got := readRootFile(t, root, "up/new.bin"); !bytes.Equal(got, upload) {
				t.Fatalf("uploaded content mismatch")
			}

			if err := client.Remove(ctx, "a.txt"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if err := client.Remove(ctx, "a.txt"); err != nil {
				t.Fatalf("Remove of a missing file should succeed, got %v", err)
			}

			listing, err = client.List(ctx)
			if err != nil {
				t.Fatalf("second List failed: %v", err)
			}
			if _, ok := listing["a.txt"]; ok {
				t.Fatalf("a.txt still listed after Remove")
			}
			if got := listing["up/new.bin"]; got.Size != uint64(len(upload)) || got.Hash != md5.Bytes(upload) {
				t.Fatalf("unexpected entry for up/new.bin: %+v", got)
			}

			mu.Lock()
			defer mu.Unlock()
			var sawUpload bool
			for _, event := range events {
				if event.Direction == DirectionUpload && event.Path == "up/new.bin" && event.Done && event.Err == nil {
					sawUpload = true
				}
			}
			if !sawUpload {
				t.Fatalf("expected a completed upload progress event, got %+v", events)
			}
		})
	}
}

func TestTransferEmptyFile(t *testing.T) {
	for _, tc := range transports() {
		t.Run(tc.name, func(t *testing.T) {
			root := newServerRoot(t)
			writeRootFile(t, root, "empty.txt", nil)
			server := startTransport(t, tc, ServerOptions{Root: root})
			client := dialTransport(t, tc, server, ClientOptions{})
			ctx := context.Background()

			local := filepath.Join(t.TempDir(), "empty.txt")
			if err := client.Download(ctx, "empty.txt", local); err != nil {
				t.Fatalf("Download failed: %v", err)
			}
			if info, err := os.Stat(local); err != nil || info.Size() != 0 {
				t.Fatalf("expected empty local file (err=%v)", err)
			}

			if err := client.Upload(ctx, local, "copy/empty.txt", nil); err != nil {
				t.Fatalf("Upload failed: %v", err)
			}
			if got := readRootFile(t, root, "copy/empty.txt"); len(got) != 0 {
				t.Fatalf("expected empty uploaded file, got %d bytes", len(got))
			}
		})
	}
}

func TestTransferRejectsEscapingPathsAndKeepsSession(t *testing.T) {
	for _, tc := range transports() {
		t.Run(tc.name, func(t *testing.T) {
			parent := t.TempDir()
			root, err := fsroot.New(filepath.Join(parent, "served"), nil)
			if err != nil {
				t.Fatalf("fsroot.New failed: %v", err)
			}
			if err := os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0o644); err != nil {
				t.Fatalf("write secret failed: %v", err)
			}
			server := startTransport(t, tc, ServerOptions{Root: root})
			client := dialTransport(t, tc, server, ClientOptions{})
			ctx := context.Background()

			var remote *RemoteError
			err = client.Download(ctx, "../secret.txt", filepath.Join(t.TempDir(), "leak.txt"))
			if !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError for escaping download, got %v", err)
			}

			source := filepath.Join(t.TempDir(), "payload.txt")
			if err := os.WriteFile(source, []byte("payload"), 0o644); err != nil {
				t.Fatalf("write source failed: %v", err)
			}
			if err := client.Upload(ctx, source, "../planted.txt", nil); !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError for escaping upload, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "planted.txt")); !os.IsNotExist(err) {
				t.Fatalf("escaping upload wrote outside the root (err=%v)", err)
			}
			if err := client.Remove(ctx, "../secret.txt"); !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError for escaping remove, got %v", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "secret.txt")); err != nil {
				t.Fatalf("escaping remove deleted a file outside the root: %v", err)
			}

			if err := client.Download(ctx, "missing.txt", filepath.Join(t.TempDir(), "missing.txt")); !errors.As(err, &remote) {
				t.Fatalf("expected RemoteError for missing file, got %v", err)
			}

			if _, err := client.List(ctx); err != nil {
				t.Fatalf("session unusable after rejected requests: %v", err)
			}
		})
	}
}

func TestClientHonorsCanceledContext(t *testing.T) {
	for _, tc := range transports() {
		t.Run(tc.name, func(t *testing.T) {
			server := startTransport(t, tc, ServerOptions{Root: newServerRoot(t)})
			client := dialTransport(t, tc, server, ClientOptions{})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := client.List(ctx); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		})
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	for _, tc := range transports() {
		t.Run(tc.name, func(t *testing.T) {
			server := startTransport(t, tc, ServerOptions{Root: newServerRoot(t)})
			client := dialTransport(t, tc, server, ClientOptions{})
			if err := client.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if _, err := client.List(context.Background()); !errors.Is(err, ErrClientClosed) {
				t.Fatalf("expected ErrClientClosed, got %v", err)
			}
		})
	}
}

func TestStreamServerRejectsOversizedPut(t *testing.T) {
	root := newServerRoot(t)
	server, err := ListenStream("127.0.0.1:0", ServerOptions{Root: root, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("ListenStream failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte{CmdPut}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := WritePath(conn, "huge.bin"); err != nil {
		t.Fatalf("write path: %v", err)
	}
	if err := ReadStatus(conn); err != nil {
		t.Fatalf("expected OK before size, got %v", err)
	}
	if err := WriteSize(conn, 1<<63+5); err != nil {
		t.Fatalf("write size: %v", err)
	}

	if _, err := io.ReadAll(conn); err != nil && !errors.Is(err, net.ErrClosed) {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatal("server kept the session open after an invalid size")
		}
	}
	if _, err := os.Stat(filepath.Join(root.Dir(), "huge.bin")); !os.IsNotExist(err) {
		t.Fatalf("oversized put committed a file (err=%v)", err)
	}
}
