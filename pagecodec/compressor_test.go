package pagecodec

import (
	"bytes"
	"io"
	"testing"
)

func TestCompressorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc, err := NewCompressor(&buf)
	if err != nil {
		t.Fatalf("NewCompressor() error = %v", err)
	}
	payload := bytes.Repeat([]byte("pgrman block stream payload "), 256)
	if _, err := enc.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	dec, err := Decompressor(&buf)
	if err != nil {
		t.Fatalf("Decompressor() error = %v", err)
	}
	defer dec.Close()

	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-tripped payload mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}
