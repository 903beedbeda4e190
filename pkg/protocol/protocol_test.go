package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)

	if err := WriteFrame(&buf, TagData, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	defer ReleaseFrame(frame)

	if frame.Header.Tag != TagData {
		t.Errorf("tag = %v, want %v", frame.Header.Tag, TagData)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("payload = %q, want %q", frame.Payload, payload)
	}
}

func TestReadFrame_RejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TagPing, nil); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[0] ^= 0xFF

	_, err := ReadFrame(bytes.NewReader(corrupted))
	if err != ErrInvalidMagic {
		t.Errorf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestReadFrame_RejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TagData, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err := ReadFrame(bytes.NewReader(corrupted))
	if err != ErrChecksumMismatch {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestReadFrame_EOFOnEmptyStream(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestEncodeDecodeMessage_DataMessage(t *testing.T) {
	msg := DataMessage{
		TypeName: "Note",
		Key:      "a",
		Version:  3,
		Payload:  map[string]any{"title": "hi"},
	}

	frame, err := Encode(TagData, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got DataMessage
	if err := Decode(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TypeName != msg.TypeName || got.Key != msg.Key || got.Version != msg.Version {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}

func TestWriteReadFrame_MultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TagPing, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := WriteFrame(&buf, TagPong, nil); err != nil {
		t.Fatalf("write pong: %v", err)
	}

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	defer ReleaseFrame(first)
	if first.Header.Tag != TagPing {
		t.Errorf("first tag = %v, want PING", first.Header.Tag)
	}

	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	defer ReleaseFrame(second)
	if second.Header.Tag != TagPong {
		t.Errorf("second tag = %v, want PONG", second.Header.Tag)
	}
}
