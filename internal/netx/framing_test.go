package netx

import (
	"bytes"
	"reflect"
	"testing"
)

func TestWriteFrameScannerRoundTrip(t *testing.T) {
	bodies := [][]byte{
		[]byte("hello"),
		[]byte("world, a slightly longer frame body"),
		[]byte("x"),
	}

	var buf bytes.Buffer
	for _, b := range bodies {
		if err := WriteFrame(&buf, b); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	scanner := NewScanner()
	got := scanner.Feed(buf.Bytes())
	if len(got) != len(bodies) {
		t.Fatalf("got %d frames, want %d", len(got), len(bodies))
	}
	for i, b := range bodies {
		if !bytes.Equal(got[i], b) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], b)
		}
	}
}

func TestScannerOneByteAtATime(t *testing.T) {
	bodies := [][]byte{
		[]byte("a"),
		[]byte("bb"),
		[]byte("ccc"),
		[]byte(""),
		[]byte("dddd"),
	}

	var buf bytes.Buffer
	for _, b := range bodies {
		if err := WriteFrame(&buf, b); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	scanner := NewScanner()
	var got [][]byte
	stream := buf.Bytes()
	for i := 0; i < len(stream); i++ {
		got = append(got, scanner.Feed(stream[i:i+1])...)
	}

	// Empty payloads are dropped, so the reassembled sequence has one
	// fewer frame than bodies.
	want := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScannerEmptyPayloadDropped(t *testing.T) {
	scanner := NewScanner()
	got := scanner.Feed([]byte("0\x00"))
	if len(got) != 0 {
		t.Fatalf("expected empty payload to be dropped, got %v", got)
	}
}

func TestScannerMalformedPrefixSkippedWithoutKillingStream(t *testing.T) {
	scanner := NewScanner()
	// "abc\x00" has a non-numeric prefix and should be dropped; the
	// well-formed frame that follows must still be recovered.
	input := []byte("abc\x005\x00hello")
	got := scanner.Feed(input)
	if len(got) != 1 || !bytes.Equal(got[0], []byte("hello")) {
		t.Fatalf("expected to recover the well-formed frame after a malformed prefix, got %v", got)
	}
}

func TestScannerRetainsPartialFrameAcrossFeeds(t *testing.T) {
	scanner := NewScanner()
	body := []byte("partial-frame-body")
	full := mustFrame(body)

	first := scanner.Feed(full[:len(full)/2])
	if len(first) != 0 {
		t.Fatalf("expected no frames from a partial chunk, got %v", first)
	}
	second := scanner.Feed(full[len(full)/2:])
	if len(second) != 1 || !bytes.Equal(second[0], body) {
		t.Fatalf("expected the completed frame once the remainder arrives, got %v", second)
	}
}

func mustFrame(body []byte) []byte {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, body); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestReflectDeepEqualSanity(t *testing.T) {
	// Guards against accidentally aliasing the carry buffer: frames
	// returned by Feed must be independent copies.
	scanner := NewScanner()
	frames := scanner.Feed(mustFrame([]byte("one")))
	scanner.Feed(mustFrame([]byte("two")))
	if !reflect.DeepEqual(frames[0], []byte("one")) {
		t.Fatalf("frame was mutated by a later Feed call: %q", frames[0])
	}
}
