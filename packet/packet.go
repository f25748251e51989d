// Package packet encodes the fixed-layout binary packets that share the
// presence socket: heartbeats, warp point edits, structure blobs and the
// broadcast file offer sequence.
//
// Every packet starts with a header of magic byte, type byte and the
// sender's identifier. Multi-byte fields are big-endian and written one
// field at a time.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"mapsync/identity"
)

// Magic marks a binary packet. Base-62 identifiers never start with it, so
// binary and text datagrams can share a socket.
const Magic byte = 0xAA

// Type identifies a packet body.
type Type uint8

const (
	TypeHeartbeat Type = 1
	TypeWarpData  Type = 2
	TypeStruct    Type = 3
	TypeFileOffer Type = 4
	TypeFileChunk Type = 5
	TypeFileEnd   Type = 6
)

const (
	// HeaderSize is magic, type and sender identifier.
	HeaderSize = 2 + identity.Length
	// SyncFileWidth is the fixed width of the heartbeat's file name field.
	SyncFileWidth = 64
	// HashWidth is the fixed width of a file offer's digest field.
	HashWidth = 32
	// MaxChunkData keeps a file chunk inside one safe datagram.
	MaxChunkData = 1400 - HeaderSize - 8 - 2

	heartbeatBodySize = identity.Length + 1 + 1 + 4 + SyncFileWidth
	warpBodySize      = identity.Length + 1 + 1 + 2 + 4 + 4
	offerFixedSize    = 8 + 2 + HashWidth
	chunkFixedSize    = 8 + 2
)

var (
	ErrShortPacket  = errors.New("packet: truncated packet")
	ErrBadMagic     = errors.New("packet: bad magic byte")
	ErrUnknownType  = errors.New("packet: unknown packet type")
	ErrFieldTooLong = errors.New("packet: field exceeds fixed width")
)

// Header is common to every packet.
type Header struct {
	Type     Type
	SenderID string
}

// Heartbeat advertises role and sync activity.
type Heartbeat struct {
	PeerID      string
	IsMaster    bool
	IsSyncing   bool
	Progress    float32
	SyncingFile string
}

// WarpPoint moves one control point of a mapping surface.
type WarpPoint struct {
	OwnerID      string
	SurfaceIndex uint8
	Mode         uint8
	PointIndex   uint16
	X            float32
	Y            float32
}

// FileOffer announces a broadcast file transfer.
type FileOffer struct {
	TotalSize uint64
	Hash      string
	Name      string
}

// FileChunk carries part of an offered file.
type FileChunk struct {
	Offset uint64
	Data   []byte
}

// Packet is a decoded datagram. Exactly one body field matching
// Header.Type is set; FileEnd has no body.
type Packet struct {
	Header    Header
	Heartbeat *Heartbeat
	Warp      *WarpPoint
	Struct    []byte
	Offer     *FileOffer
	Chunk     *FileChunk
}

// IsBinary reports whether datagram looks like a binary packet.
func IsBinary(datagram []byte) bool {
	return len(datagram) > 0 && datagram[0] == Magic
}

func putID(dst []byte, id string) error {
	if len(id) > identity.Length {
		return fmt.Errorf("%w: id %q", ErrFieldTooLong, id)
	}
	clear(dst[:identity.Length])
	copy(dst, id)
	return nil
}

func getString(src []byte) string {
	if i := strings.IndexByte(string(src), 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

func appendHeader(buf []byte, t Type, sender string) ([]byte, error) {
	out := append(buf, Magic, byte(t))
	id := make([]byte, identity.Length)
	if err := putID(id, sender); err != nil {
		return nil, err
	}
	return append(out, id...), nil
}

// EncodeHeartbeat builds a heartbeat packet.
func EncodeHeartbeat(sender string, hb Heartbeat) ([]byte, error) {
	buf, err := appendHeader(make([]byte, 0, HeaderSize+heartbeatBodySize), TypeHeartbeat, sender)
	if err != nil {
		return nil, err
	}

	body := make([]byte, heartbeatBodySize)
	if err := putID(body, hb.PeerID); err != nil {
		return nil, err
	}
	off := identity.Length
	body[off] = boolByte(hb.IsMaster)
	body[off+1] = boolByte(hb.IsSyncing)
	binary.BigEndian.PutUint32(body[off+2:], math.Float32bits(clampProgress(hb.Progress)))
	name := hb.SyncingFile
	if len(name) > SyncFileWidth-1 {
		name = name[:SyncFileWidth-1]
	}
	copy(body[off+6:], name)

	return append(buf, body...), nil
}

// EncodeWarp builds a warp point packet.
func EncodeWarp(sender string, w WarpPoint) ([]byte, error) {
	buf, err := appendHeader(make([]byte, 0, HeaderSize+warpBodySize), TypeWarpData, sender)
	if err != nil {
		return nil, err
	}

	body := make([]byte, warpBodySize)
	if err := putID(body, w.OwnerID); err != nil {
		return nil, err
	}
	off := identity.Length
	body[off] = w.SurfaceIndex
	body[off+1] = w.Mode
	binary.BigEndian.PutUint16(body[off+2:], w.PointIndex)
	binary.BigEndian.PutUint32(body[off+4:], math.Float32bits(w.X))
	binary.BigEndian.PutUint32(body[off+8:], math.Float32bits(w.Y))

	return append(buf, body...), nil
}

// EncodeStruct wraps an opaque structure blob.
func EncodeStruct(sender string, blob []byte) ([]byte, error) {
	buf, err := appendHeader(make([]byte, 0, HeaderSize+len(blob)), TypeStruct, sender)
	if err != nil {
		return nil, err
	}
	return append(buf, blob...), nil
}

// EncodeFileOffer builds a file offer packet.
func EncodeFileOffer(sender string, o FileOffer) ([]byte, error) {
	if len(o.Hash) > HashWidth {
		return nil, fmt.Errorf("%w: hash", ErrFieldTooLong)
	}
	if len(o.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: name", ErrFieldTooLong)
	}
	buf, err := appendHeader(make([]byte, 0, HeaderSize+offerFixedSize+len(o.Name)), TypeFileOffer, sender)
	if err != nil {
		return nil, err
	}

	body := make([]byte, offerFixedSize)
	binary.BigEndian.PutUint64(body, o.TotalSize)
	binary.BigEndian.PutUint16(body[8:], uint16(len(o.Name)))
	copy(body[10:], o.Hash)

	buf = append(buf, body...)
	return append(buf, o.Name...), nil
}

// EncodeFileChunk builds a file chunk packet.
func EncodeFileChunk(sender string, c FileChunk) ([]byte, error) {
	if len(c.Data) > MaxChunkData {
		return nil, fmt.Errorf("%w: chunk of %d bytes", ErrFieldTooLong, len(c.Data))
	}
	buf, err := appendHeader(make([]byte, 0, HeaderSize+chunkFixedSize+len(c.Data)), TypeFileChunk, sender)
	if err != nil {
		return nil, err
	}

	body := make([]byte, chunkFixedSize)
	binary.BigEndian.PutUint64(body, c.Offset)
	binary.BigEndian.PutUint16(body[8:], uint16(len(c.Data)))

	buf = append(buf, body...)
	return append(buf, c.Data...), nil
}

// EncodeFileEnd builds the header-only end-of-file packet.
func EncodeFileEnd(sender string) ([]byte, error) {
	return appendHeader(make([]byte, 0, HeaderSize), TypeFileEnd, sender)
}

// Decode parses a binary packet.
func Decode(datagram []byte) (Packet, error) {
	if len(datagram) < HeaderSize {
		return Packet{}, ErrShortPacket
	}
	if datagram[0] != Magic {
		return Packet{}, ErrBadMagic
	}

	p := Packet{Header: Header{
		Type:     Type(datagram[1]),
		SenderID: getString(datagram[2:HeaderSize]),
	}}
	body := datagram[HeaderSize:]

	switch p.Header.Type {
	case TypeHeartbeat:
		if len(body) < heartbeatBodySize {
			return Packet{}, ErrShortPacket
		}
		off := identity.Length
		p.Heartbeat = &Heartbeat{
			PeerID:      getString(body[:identity.Length]),
			IsMaster:    body[off] != 0,
			IsSyncing:   body[off+1] != 0,
			Progress:    clampProgress(math.Float32frombits(binary.BigEndian.Uint32(body[off+2:]))),
			SyncingFile: getString(body[off+6 : off+6+SyncFileWidth]),
		}
	case TypeWarpData:
		if len(body) < warpBodySize {
			return Packet{}, ErrShortPacket
		}
		off := identity.Length
		p.Warp = &WarpPoint{
			OwnerID:      getString(body[:identity.Length]),
			SurfaceIndex: body[off],
			Mode:         body[off+1],
			PointIndex:   binary.BigEndian.Uint16(body[off+2:]),
			X:            math.Float32frombits(binary.BigEndian.Uint32(body[off+4:])),
			Y:            math.Float32frombits(binary.BigEndian.Uint32(body[off+8:])),
		}
	case TypeStruct:
		p.Struct = append([]byte(nil), body...)
	case TypeFileOffer:
		if len(body) < offerFixedSize {
			return Packet{}, ErrShortPacket
		}
		nameLen := int(binary.BigEndian.Uint16(body[8:]))
		if len(body) < offerFixedSize+nameLen {
			return Packet{}, ErrShortPacket
		}
		p.Offer = &FileOffer{
			TotalSize: binary.BigEndian.Uint64(body),
			Hash:      getString(body[10 : 10+HashWidth]),
			Name:      string(body[offerFixedSize : offerFixedSize+nameLen]),
		}
	case TypeFileChunk:
		if len(body) < chunkFixedSize {
			return Packet{}, ErrShortPacket
		}
		size := int(binary.BigEndian.Uint16(body[8:]))
		if len(body) < chunkFixedSize+size {
			return Packet{}, ErrShortPacket
		}
		p.Chunk = &FileChunk{
			Offset: binary.BigEndian.Uint64(body),
			Data:   append([]byte(nil), body[chunkFixedSize:chunkFixedSize+size]...),
		}
	case TypeFileEnd:
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, p.Header.Type)
	}

	return p, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func clampProgress(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
