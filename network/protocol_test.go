package network

import (
	"bytes"
	"errors"
	"testing"

	"mapsync/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("notes/a.txt|12|0cc175b9c0f1b6a831c399e269772661\n")

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadStatusReturnsRemoteError(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteError(&buffer, "not found"); err != nil {
		t.Fatalf("WriteError failed: %v", err)
	}

	err := ReadStatus(&buffer)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "not found" {
		t.Fatalf("unexpected message %q", remote.Message)
	}

	if err := ReadStatus(bytes.NewReader([]byte{7})); !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestListingRoundTripKeepsPipesInPaths(t *testing.T) {
	entries := []models.DirectoryEntry{
		{RelativePath: "a.txt", Size: 3, Hash: "900150983cd24fb0d6963f7d28e17f72"},
		{RelativePath: "dir/odd|name.bin", Size: 0, Hash: "d41d8cd98f00b204e9800998ecf8427e"},
	}

	listing, err := ParseListing(EncodeListing(entries))
	if err != nil {
		t.Fatalf("ParseListing failed: %v", err)
	}
	if len(listing) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(listing))
	}
	for _, entry := range entries {
		if got := listing[entry.RelativePath]; got != entry.Info() {
			t.Fatalf("entry %q: got %+v want %+v", entry.RelativePath, got, entry.Info())
		}
	}
}

func TestParseListingRejectsMalformedRecords(t *testing.T) {
	cases := []string{
		"no-separators\n",
		"a.txt|notanumber|abc\n",
		"../escape.txt|1|abc\n",
		"/abs.txt|1|abc\n",
		"|1|abc\n",
	}
	for _, record := range cases {
		if _, err := ParseListing([]byte(record)); !errors.Is(err, ErrMalformedListing) {
			t.Fatalf("record %q: expected ErrMalformedListing, got %v", record, err)
		}
	}
}

func TestDatagramHeaderRoundTrip(t *testing.T) {
	raw, err := encodeDgram(DgramData, 42, 99, withTransferID(7, []byte("chunk")))
	if err != nil {
		t.Fatalf("encodeDgram failed: %v", err)
	}
	if len(raw) != DatagramHeaderSize+transferIDSize+5 {
		t.Fatalf("unexpected packet length %d", len(raw))
	}

	d, err := decodeDgram(raw)
	if err != nil {
		t.Fatalf("decodeDgram failed: %v", err)
	}
	if d.typ != DgramData || d.seq != 42 || d.total != 99 {
		t.Fatalf("unexpected header %+v", d)
	}
	id, rest, ok := d.transferID()
	if !ok || id != 7 || string(rest) != "chunk" {
		t.Fatalf("unexpected transfer payload id=%d rest=%q ok=%v", id, rest, ok)
	}
}

func TestDatagramRejectsOversizedAndUnknownPackets(t *testing.T) {
	if _, err := encodeDgram(DgramData, 1, 1, make([]byte, MaxDatagramSize)); !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("expected ErrMalformedDatagram for oversized payload, got %v", err)
	}
	if _, err := decodeDgram([]byte{DgramData, 0, 0}); !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("expected ErrMalformedDatagram for short packet, got %v", err)
	}
	if _, err := decodeDgram(make([]byte, DatagramHeaderSize)); !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("expected ErrMalformedDatagram for type 0, got %v", err)
	}
}

func TestNackPayloadAndChunkCount(t *testing.T) {
	missing := []uint32{0, 3, 17}
	d := dgram{typ: DgramNack, payload: encodeNackPayload(5, missing)}
	id, rest, ok := d.transferID()
	if !ok || id != 5 {
		t.Fatalf("unexpected transfer id %d ok=%v", id, ok)
	}
	got := decodeNackPayload(rest)
	if len(got) != len(missing) {
		t.Fatalf("expected %d seqs, got %v", len(missing), got)
	}
	for i := range missing {
		if got[i] != missing[i] {
			t.Fatalf("seq %d: got %d want %d", i, got[i], missing[i])
		}
	}

	cases := map[int64]uint32{
		0:                      0,
		1:                      1,
		DatagramChunkSize:      1,
		DatagramChunkSize + 1:  2,
		10 * DatagramChunkSize: 10,
	}
	for size, want := range cases {
		if got := chunkCount(size); got != want {
			t.Fatalf("chunkCount(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestMissingChunksIsBounded(t *testing.T) {
	if missing := missingChunks(false, nil, 0); len(missing) != 1 || missing[0] != 0 {
		t.Fatalf("expected only the size header before SIZE arrives, got %v", missing)
	}

	have := newChunkSet(1000)
	have.set(1)
	have.set(64)
	missing := missingChunks(true, have, 1000)
	if len(missing) != MaxNackBurst {
		t.Fatalf("expected %d missing seqs, got %d", MaxNackBurst, len(missing))
	}
	if missing[0] != 2 {
		t.Fatalf("expected seq 2 first, got %v", missing[:2])
	}
	for _, seq := range missing {
		if seq == 64 {
			t.Fatal("seq 64 was received and must not be requested")
		}
	}
}

func TestCheckDeclaredSize(t *testing.T) {
	if size, err := checkDeclaredSize(3000, chunkCount(3000), -1); err != nil || size != 3000 {
		t.Fatalf("expected valid header, got %d, %v", size, err)
	}
	if _, err := checkDeclaredSize(3000, 0xFFFFFFFF, -1); !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("expected ErrMalformedDatagram for hostile chunk count, got %v", err)
	}
	if _, err := checkDeclaredSize(MaxDatagramTransferSize+1, 0xFFFFFFFF, -1); !errors.Is(err, ErrTransferTooLarge) {
		t.Fatalf("expected ErrTransferTooLarge, got %v", err)
	}
	if _, err := checkDeclaredSize(10, 1, 11); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch against the agreed size, got %v", err)
	}
}

func TestReadSizeRejectsValuesAboveInt64(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteSize(&buffer, 42); err != nil {
		t.Fatalf("WriteSize failed: %v", err)
	}
	if size, err := ReadSize(&buffer); err != nil || size != 42 {
		t.Fatalf("expected 42, got %d, %v", size, err)
	}

	buffer.Reset()
	if err := WriteSize(&buffer, 1<<63); err != nil {
		t.Fatalf("WriteSize failed: %v", err)
	}
	if _, err := ReadSize(&buffer); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
}
