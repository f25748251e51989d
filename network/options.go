package network

import (
	"log"
	"time"

	"mapsync/fsroot"
	"mapsync/hasher"
)

// Transfer directions reported through TransferProgress.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
	DirectionDelete   = "delete"
)

// TransferProgress describes server-side activity on one path. Upload means
// a peer is pushing into the local root.
type TransferProgress struct {
	Direction string
	Path      string
	Bytes     int64
	Total     int64
	Done      bool
	Err       error
}

// Fraction returns progress in [0,1].
func (p TransferProgress) Fraction() float32 {
	if p.Total <= 0 {
		if p.Done {
			return 1
		}
		return 0
	}
	f := float32(p.Bytes) / float32(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressFunc receives byte counts during client transfers.
type ProgressFunc func(done, total int64)

// ServerOptions configures both server variants.
type ServerOptions struct {
	Root    *fsroot.Root
	Digests *hasher.Cache

	IOTimeout          time.Duration
	SessionIdleTimeout time.Duration

	// Datagram tunes the datagram server; zero values take defaults.
	Datagram DatagramTuning

	OnProgress func(TransferProgress)
	Logger     *log.Logger

	drop func(typ byte, seq uint32) bool
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.IOTimeout <= 0 {
		out.IOTimeout = DefaultIOTimeout
	}
	if out.SessionIdleTimeout <= 0 {
		out.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	out.Datagram = out.Datagram.withDefaults()
	if out.Digests == nil {
		out.Digests = hasher.NewCache(hasher.New(hasher.AlgorithmMD5), 0)
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

func (o ServerOptions) report(p TransferProgress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// ClientOptions configures both client variants.
type ClientOptions struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Datagram    DatagramTuning
	Logger      *log.Logger

	drop func(typ byte, seq uint32) bool
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.IOTimeout <= 0 {
		out.IOTimeout = DefaultIOTimeout
	}
	out.Datagram = out.Datagram.withDefaults()
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	return out
}

// progressMeter invokes fn every ProgressInterval bytes and once at the end.
type progressMeter struct {
	total    int64
	done     int64
	reported int64
	fn       func(done, total int64)
}

func newProgressMeter(total int64, fn func(done, total int64)) *progressMeter {
	return &progressMeter{total: total, fn: fn}
}

func (m *progressMeter) add(n int64) {
	m.done += n
	if m.fn != nil && m.done-m.reported >= ProgressInterval {
		m.reported = m.done
		m.fn(m.done, m.total)
	}
}

func (m *progressMeter) set(done int64) {
	m.add(done - m.done)
}

func (m *progressMeter) finish() {
	if m.fn != nil && m.reported != m.done {
		m.reported = m.done
		m.fn(m.done, m.total)
	}
}
