package network

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"mapsync/fsroot"
	"mapsync/models"
)

// Stream command bytes.
const (
	CmdList   byte = 1
	CmdGet    byte = 2
	CmdPut    byte = 3
	CmdDelete byte = 4
)

// Status bytes opening every stream response.
const (
	StatusOK  byte = 200
	StatusErr byte = 255
)

const (
	// MaxFrameSize bounds a LIST payload (64 MB).
	MaxFrameSize = 64 * 1024 * 1024
	// MaxPathLength is the largest path a 2-byte length prefix can carry.
	MaxPathLength = math.MaxUint16
	// DefaultDialTimeout bounds connection setup.
	DefaultDialTimeout = 3 * time.Second
	// DefaultIOTimeout bounds every individual read or write.
	DefaultIOTimeout = 5 * time.Second
	// DefaultSessionIdleTimeout closes sessions without traffic.
	DefaultSessionIdleTimeout = 10 * time.Second
	// ProgressInterval is the number of bytes between progress reports.
	ProgressInterval = 64 * 1024

	copyBufferSize = 64 * 1024
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrPathTooLong indicates a path that does not fit its length prefix.
	ErrPathTooLong = errors.New("network: path too long")
	// ErrUnexpectedStatus indicates a status byte that is neither OK nor ERR.
	ErrUnexpectedStatus = errors.New("network: unexpected status byte")
	// ErrUnknownCommand indicates an unsupported command byte.
	ErrUnknownCommand = errors.New("network: unknown command")
	// ErrMalformedListing indicates a LIST record that cannot be parsed.
	ErrMalformedListing = errors.New("network: malformed listing record")
	// ErrClientClosed is returned by calls on a closed or broken client.
	ErrClientClosed = errors.New("network: client closed")
	// ErrSizeMismatch indicates a transfer that ended short of its declared size.
	ErrSizeMismatch = errors.New("network: transfer size mismatch")
	// ErrInvalidSize indicates a size field that does not fit a file offset.
	ErrInvalidSize = errors.New("network: invalid size")
)

// RemoteError is an ERR response carrying the peer's message.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// WriteFrame writes one 4-byte length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one 4-byte length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// WritePath writes a 2-byte length-prefixed path.
func WritePath(w io.Writer, path string) error {
	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}
	buf := make([]byte, 2+len(path))
	binary.BigEndian.PutUint16(buf, uint16(len(path)))
	copy(buf[2:], path)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write path: %w", err)
	}
	return nil
}

// ReadPath reads a 2-byte length-prefixed path.
func ReadPath(r io.Reader) (string, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", fmt.Errorf("read path length: %w", err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read path: %w", err)
	}
	return string(buf), nil
}

// WriteSize writes an 8-byte big-endian size.
func WriteSize(w io.Writer, size uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], size)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write size: %w", err)
	}
	return nil
}

// ReadSize reads an 8-byte big-endian size. Sizes above math.MaxInt64 are
// rejected.
func ReadSize(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read size: %w", err)
	}
	size := binary.BigEndian.Uint64(buf[:])
	if size > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return int64(size), nil
}

// WriteError writes ERR followed by a 2-byte length-prefixed message.
func WriteError(w io.Writer, message string) error {
	if len(message) > MaxPathLength {
		message = message[:MaxPathLength]
	}
	buf := make([]byte, 3+len(message))
	buf[0] = StatusErr
	binary.BigEndian.PutUint16(buf[1:], uint16(len(message)))
	copy(buf[3:], message)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write error response: %w", err)
	}
	return nil
}

// WriteOK writes a single OK status byte.
func WriteOK(w io.Writer) error {
	if _, err := w.Write([]byte{StatusOK}); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadStatus reads a status byte. An ERR response is returned as a
// *RemoteError.
func ReadStatus(r io.Reader) error {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	switch status[0] {
	case StatusOK:
		return nil
	case StatusErr:
		message, err := ReadPath(r)
		if err != nil {
			return fmt.Errorf("read error message: %w", err)
		}
		return &RemoteError{Message: message}
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, status[0])
	}
}

// EncodeListing renders entries as newline-terminated path|size|hash records.
func EncodeListing(entries []models.DirectoryEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.RelativePath)
		buf.WriteByte('|')
		buf.WriteString(strconv.FormatUint(e.Size, 10))
		buf.WriteByte('|')
		buf.WriteString(e.Hash)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseListing parses EncodeListing output. The size and hash are taken from
// the last two '|' separated fields, so paths may contain '|'.
func ParseListing(data []byte) (map[string]models.FileInfo, error) {
	out := make(map[string]models.FileInfo)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), MaxPathLength+128)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		hashIdx := strings.LastIndexByte(line, '|')
		if hashIdx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedListing, line)
		}
		sizeIdx := strings.LastIndexByte(line[:hashIdx], '|')
		if sizeIdx <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedListing, line)
		}

		size, err := strconv.ParseUint(line[sizeIdx+1:hashIdx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedListing, line)
		}
		path, err := fsroot.Clean(line[:sizeIdx])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
		}
		out[path] = models.FileInfo{Size: size, Hash: line[hashIdx+1:]}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
	}
	return out, nil
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
