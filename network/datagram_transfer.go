package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// DatagramTuning holds the timers and budgets of the datagram reliability
// layer.
type DatagramTuning struct {
	HelloAttempts   int
	HelloTimeout    time.Duration
	RequestAttempts int
	RequestTimeout  time.Duration
	// PollTimeout is how long a sender waits for NACK or DONE after polling with DONE.
	PollTimeout time.Duration
	// MaxPolls is the number of consecutive unanswered DONE polls tolerated.
	MaxPolls int
	// MaxRounds bounds the NACK/retransmit rounds of one transfer.
	MaxRounds int
	// ReceiveTimeout is the longest a receiver waits for the next packet.
	ReceiveTimeout time.Duration
	// ResumeWindow is how long an idle client session is reused via PING.
	ResumeWindow time.Duration
	// PacketsPerSecond paces outbound packets; Burst is the limiter bucket.
	PacketsPerSecond float64
	Burst            int
}

func (t DatagramTuning) withDefaults() DatagramTuning {
	out := t
	if out.HelloAttempts <= 0 {
		out.HelloAttempts = 5
	}
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = 500 * time.Millisecond
	}
	if out.RequestAttempts <= 0 {
		out.RequestAttempts = 5
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 700 * time.Millisecond
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = 250 * time.Millisecond
	}
	if out.MaxPolls <= 0 {
		out.MaxPolls = 12
	}
	if out.MaxRounds <= 0 {
		out.MaxRounds = 4096
	}
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = 3 * time.Second
	}
	if out.ResumeWindow <= 0 {
		out.ResumeWindow = 8 * time.Second
	}
	if out.PacketsPerSecond <= 0 {
		out.PacketsPerSecond = 20000
	}
	if out.Burst <= 0 {
		out.Burst = 256
	}
	return out
}

const recvPollInterval = 200 * time.Millisecond

var (
	errRecvTimeout = errors.New("network: receive timed out")
	errSuperseded  = errors.New("network: transfer superseded by a newer request")
)

// link is one side of a datagram conversation with a fixed peer.
type link struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	tuning  DatagramTuning
	limiter *rate.Limiter
	drop    func(typ byte, seq uint32) bool
	buf     []byte
}

func newLink(conn *net.UDPConn, peer *net.UDPAddr, tuning DatagramTuning, drop func(byte, uint32) bool) *link {
	return &link{
		conn:    conn,
		peer:    peer,
		tuning:  tuning,
		limiter: rate.NewLimiter(rate.Limit(tuning.PacketsPerSecond), tuning.Burst),
		drop:    drop,
		buf:     make([]byte, MaxDatagramSize+1),
	}
}

func (l *link) sendRaw(ctx context.Context, raw []byte) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.drop != nil && len(raw) >= DatagramHeaderSize && l.drop(raw[0], binary.BigEndian.Uint32(raw[1:])) {
		return nil
	}
	if _, err := l.conn.WriteToUDP(raw, l.peer); err != nil {
		return fmt.Errorf("send to %s: %w", l.peer, err)
	}
	return nil
}

func (l *link) send(ctx context.Context, typ byte, seq, total uint32, payload []byte) error {
	raw, err := encodeDgram(typ, seq, total, payload)
	if err != nil {
		return err
	}
	return l.sendRaw(ctx, raw)
}

// recv returns the next valid packet from the peer, or errRecvTimeout once
// deadline passes. ctx is checked at least every recvPollInterval.
func (l *link) recv(ctx context.Context, deadline time.Time) (dgram, error) {
	for {
		if err := ctx.Err(); err != nil {
			return dgram{}, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return dgram{}, errRecvTimeout
		}
		wait := deadline
		if poll := now.Add(recvPollInterval); poll.Before(wait) {
			wait = poll
		}
		if err := l.conn.SetReadDeadline(wait); err != nil {
			return dgram{}, err
		}

		n, from, err := l.conn.ReadFromUDP(l.buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return dgram{}, err
		}
		if !sameUDPAddr(from, l.peer) || n > MaxDatagramSize {
			continue
		}
		d, err := decodeDgram(l.buf[:n])
		if err != nil {
			continue
		}
		d.from = from
		return d, nil
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// sendTransfer blasts size bytes of src as transfer id and keeps serving
// NACKs until the receiver acknowledges with DONE. A final status or a newer
// request from the receiver also ends the wait; that packet is returned.
func (l *link) sendTransfer(ctx context.Context, id uint32, src io.ReaderAt, size int64, meter *progressMeter) (*dgram, error) {
	total := chunkCount(size)
	sizePacket, err := encodeDgram(DgramSize, 0, total, encodeSizePayload(id, uint64(size)))
	if err != nil {
		return nil, err
	}

	chunk := make([]byte, DatagramChunkSize)
	sendChunk := func(seq uint32) (int, error) {
		if seq == 0 {
			return 0, l.sendRaw(ctx, sizePacket)
		}
		if seq > total {
			return 0, nil
		}
		off := int64(seq-1) * DatagramChunkSize
		n := int64(DatagramChunkSize)
		if remaining := size - off; remaining < n {
			n = remaining
		}
		read, err := src.ReadAt(chunk[:n], off)
		if int64(read) < n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("read chunk %d: %w", seq, err)
		}
		return read, l.send(ctx, DgramData, seq, total, withTransferID(id, chunk[:n]))
	}

	if _, err := sendChunk(0); err != nil {
		return nil, err
	}
	for seq := uint32(1); seq <= total; seq++ {
		n, err := sendChunk(seq)
		if err != nil {
			return nil, err
		}
		if meter != nil {
			meter.add(int64(n))
		}
	}
	if meter != nil {
		meter.finish()
	}

	poll := withTransferID(id, nil)
	polls, rounds := 0, 0
	for polls < l.tuning.MaxPolls && rounds < l.tuning.MaxRounds {
		if err := l.send(ctx, DgramDone, 0, total, poll); err != nil {
			return nil, err
		}

		deadline := deadlineIn(l.tuning.PollTimeout)
	wait:
		for {
			d, err := l.recv(ctx, deadline)
			if errors.Is(err, errRecvTimeout) {
				polls++
				break wait
			}
			if err != nil {
				return nil, err
			}

			switch {
			case isTransfer(d.typ):
				tid, rest, ok := d.transferID()
				if !ok || tid != id {
					continue
				}
				if d.typ == DgramDone {
					return nil, nil
				}
				if d.typ != DgramNack {
					continue
				}
				rounds++
				polls = 0
				for _, seq := range decodeNackPayload(rest) {
					if _, err := sendChunk(seq); err != nil {
						return nil, err
					}
					metricRetransmits.Inc()
				}
				break wait
			case (d.typ == DgramOK || d.typ == DgramErr) && d.seq == id && d.total == phaseFinal:
				return &d, nil
			case isRequest(d.typ) && d.seq > id:
				return &d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: transfer %d unacknowledged", ErrTransferTimeout, id)
}

// blastSink receives a transfer.
type blastSink interface {
	io.WriterAt
	Truncate(size int64) error
}

// receiveTransfer collects transfer id into sink, answering every DONE poll
// with a bounded NACK or, once complete, a DONE acknowledgment. expect is the
// size the caller already agreed on, or -1. DATA is ignored until a valid
// SIZE header has been accepted. Packets that do not belong to the transfer
// are passed to onOther, which may end the receive by returning an error.
func (l *link) receiveTransfer(ctx context.Context, id uint32, first *dgram, sink blastSink, meter *progressMeter, expect int64, onOther func(dgram) error) (int64, error) {
	var (
		sizeKnown bool
		size      int64
		total     uint32
		have      chunkSet
		written   int64
	)

	pending := first
	for {
		var d dgram
		if pending != nil {
			d, pending = *pending, nil
		} else {
			var err error
			d, err = l.recv(ctx, deadlineIn(l.tuning.ReceiveTimeout))
			if errors.Is(err, errRecvTimeout) {
				return written, fmt.Errorf("%w: transfer %d stalled", ErrTransferTimeout, id)
			}
			if err != nil {
				return written, err
			}
		}

		if d.typ == DgramErr && d.seq == id {
			return written, &RemoteError{Message: string(d.payload)}
		}
		tid, rest, ok := d.transferID()
		if !isTransfer(d.typ) || !ok || tid != id {
			if onOther != nil {
				if err := onOther(d); err != nil {
					return written, err
				}
			}
			continue
		}

		switch d.typ {
		case DgramSize:
			if sizeKnown || len(rest) < 8 {
				continue
			}
			declared, err := checkDeclaredSize(binary.BigEndian.Uint64(rest), d.total, expect)
			if err != nil {
				return written, err
			}
			if err := sink.Truncate(declared); err != nil {
				return written, err
			}
			size, total, sizeKnown = declared, d.total, true
			have = newChunkSet(total)
		case DgramData:
			if !sizeKnown || d.total != total || d.seq == 0 || d.seq > total || have.has(d.seq) {
				continue
			}
			off := int64(d.seq-1) * DatagramChunkSize
			if off+int64(len(rest)) > size {
				continue
			}
			if _, err := sink.WriteAt(rest, off); err != nil {
				return written, err
			}
			have.set(d.seq)
			written += int64(len(rest))
			if meter != nil {
				meter.add(int64(len(rest)))
			}
		case DgramDone:
			missing := missingChunks(sizeKnown, have, total)
			if len(missing) > 0 {
				metricNacks.Inc()
				if err := l.send(ctx, DgramNack, 0, uint32(len(missing)), encodeNackPayload(id, missing)); err != nil {
					return written, err
				}
				continue
			}
			if written != size {
				return written, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, written, size)
			}
			if meter != nil {
				meter.finish()
			}
			return size, l.send(ctx, DgramDone, 0, total, withTransferID(id, nil))
		}
	}
}

// checkDeclaredSize validates a SIZE header against its chunk count, the
// datagram transfer limit and the size agreed with the caller.
func checkDeclaredSize(declared uint64, total uint32, expect int64) (int64, error) {
	if declared > MaxDatagramTransferSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, declared)
	}
	size := int64(declared)
	if chunkCount(size) != total {
		return 0, fmt.Errorf("%w: inconsistent size header", ErrMalformedDatagram)
	}
	if expect >= 0 && size != expect {
		return 0, fmt.Errorf("%w: announced %d, expected %d", ErrSizeMismatch, size, expect)
	}
	return size, nil
}

// chunkSet is a bitmap of received sequence numbers, 1-based.
type chunkSet []uint64

func newChunkSet(total uint32) chunkSet {
	return make(chunkSet, int(total)/64+1)
}

func (c chunkSet) has(seq uint32) bool {
	return c[seq/64]&(1<<(seq%64)) != 0
}

func (c chunkSet) set(seq uint32) {
	c[seq/64] |= 1 << (seq % 64)
}

func missingChunks(sizeKnown bool, have chunkSet, total uint32) []uint32 {
	if !sizeKnown {
		return []uint32{0}
	}
	var missing []uint32
	for seq := uint32(1); seq <= total && len(missing) < MaxNackBurst; seq++ {
		if !have.has(seq) {
			missing = append(missing, seq)
		}
	}
	return missing
}

// memSink is an in-memory blastSink for listings.
type memSink struct {
	buf []byte
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memSink) Truncate(size int64) error {
	if size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}
