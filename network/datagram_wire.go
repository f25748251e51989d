package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Datagram packet types.
const (
	DgramHello   byte = 1
	DgramWelcome byte = 2
	DgramList    byte = 3
	DgramGet     byte = 4
	DgramPut     byte = 5
	DgramDelete  byte = 6
	DgramPing    byte = 7
	DgramPong    byte = 8
	DgramSize    byte = 9
	DgramData    byte = 10
	DgramNack    byte = 11
	DgramDone    byte = 12
	DgramOK      byte = 13
	DgramErr     byte = 14
)

const (
	// DatagramHeaderSize is type, seq and total.
	DatagramHeaderSize = 9
	// MaxDatagramSize keeps every packet below a common MTU.
	MaxDatagramSize = 1400
	// DatagramChunkSize is the file payload carried by one DATA packet after
	// the transfer id.
	DatagramChunkSize = MaxDatagramSize - DatagramHeaderSize - transferIDSize
	// MaxNackBurst caps the sequence numbers requested by one NACK.
	MaxNackBurst = 128
	// MaxDatagramTransferSize is the largest file a datagram transfer
	// carries. It bounds the receiver's chunk bitmap.
	MaxDatagramTransferSize = 64 << 30

	transferIDSize = 4
	helloTokenSize = 16

	// OK/ERR phases carried in the total field.
	phaseReady uint32 = 0
	phaseFinal uint32 = 1
)

var (
	ErrMalformedDatagram = errors.New("network: malformed datagram")
	ErrHandshakeFailed   = errors.New("network: datagram handshake failed")
	ErrTransferTimeout   = errors.New("network: datagram transfer timed out")
	ErrTransferTooLarge  = errors.New("network: transfer exceeds datagram size limit")
)

type dgram struct {
	typ     byte
	seq     uint32
	total   uint32
	payload []byte
	from    *net.UDPAddr
}

func dgramName(typ byte) string {
	switch typ {
	case DgramHello:
		return "hello"
	case DgramWelcome:
		return "welcome"
	case DgramList:
		return "list"
	case DgramGet:
		return "get"
	case DgramPut:
		return "put"
	case DgramDelete:
		return "delete"
	case DgramPing:
		return "ping"
	case DgramPong:
		return "pong"
	case DgramSize:
		return "size"
	case DgramData:
		return "data"
	case DgramNack:
		return "nack"
	case DgramDone:
		return "done"
	case DgramOK:
		return "ok"
	case DgramErr:
		return "err"
	default:
		return fmt.Sprintf("type(%d)", typ)
	}
}

func isRequest(typ byte) bool {
	switch typ {
	case DgramList, DgramGet, DgramPut, DgramDelete, DgramPing:
		return true
	}
	return false
}

func isTransfer(typ byte) bool {
	switch typ {
	case DgramSize, DgramData, DgramNack, DgramDone:
		return true
	}
	return false
}

func encodeDgram(typ byte, seq, total uint32, payload []byte) ([]byte, error) {
	if DatagramHeaderSize+len(payload) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %s payload of %d bytes", ErrMalformedDatagram, dgramName(typ), len(payload))
	}
	buf := make([]byte, DatagramHeaderSize+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:], seq)
	binary.BigEndian.PutUint32(buf[5:], total)
	copy(buf[DatagramHeaderSize:], payload)
	return buf, nil
}

func decodeDgram(raw []byte) (dgram, error) {
	if len(raw) < DatagramHeaderSize {
		return dgram{}, fmt.Errorf("%w: %d bytes", ErrMalformedDatagram, len(raw))
	}
	if raw[0] < DgramHello || raw[0] > DgramErr {
		return dgram{}, fmt.Errorf("%w: type %d", ErrMalformedDatagram, raw[0])
	}
	return dgram{
		typ:     raw[0],
		seq:     binary.BigEndian.Uint32(raw[1:]),
		total:   binary.BigEndian.Uint32(raw[5:]),
		payload: append([]byte(nil), raw[DatagramHeaderSize:]...),
	}, nil
}

// transferID splits the leading transfer id off a transfer packet payload.
func (d dgram) transferID() (uint32, []byte, bool) {
	if len(d.payload) < transferIDSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(d.payload), d.payload[transferIDSize:], true
}

func withTransferID(id uint32, rest []byte) []byte {
	buf := make([]byte, transferIDSize+len(rest))
	binary.BigEndian.PutUint32(buf, id)
	copy(buf[transferIDSize:], rest)
	return buf
}

func encodeSizePayload(id uint32, size uint64) []byte {
	var rest [8]byte
	binary.BigEndian.PutUint64(rest[:], size)
	return withTransferID(id, rest[:])
}

func encodeNackPayload(id uint32, missing []uint32) []byte {
	rest := make([]byte, 4*len(missing))
	for i, seq := range missing {
		binary.BigEndian.PutUint32(rest[4*i:], seq)
	}
	return withTransferID(id, rest)
}

func decodeNackPayload(rest []byte) []uint32 {
	out := make([]uint32, 0, len(rest)/4)
	for len(rest) >= 4 {
		out = append(out, binary.BigEndian.Uint32(rest))
		rest = rest[4:]
	}
	return out
}

// encodePutPayload carries the declared size ahead of the path.
func encodePutPayload(size uint64, path string) []byte {
	buf := make([]byte, 8+len(path))
	binary.BigEndian.PutUint64(buf, size)
	copy(buf[8:], path)
	return buf
}

func decodePutPayload(payload []byte) (uint64, string, error) {
	if len(payload) < 8 {
		return 0, "", fmt.Errorf("%w: short put request", ErrMalformedDatagram)
	}
	return binary.BigEndian.Uint64(payload), string(payload[8:]), nil
}

func chunkCount(size int64) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((size + DatagramChunkSize - 1) / DatagramChunkSize)
}

func deadlineIn(d time.Duration) time.Time {
	return time.Now().Add(d)
}
