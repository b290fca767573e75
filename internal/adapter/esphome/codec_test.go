package esphome

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/seawatts/cove/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := appendString(nil, 1, "hello")
	payload = appendUint(payload, 2, 42)

	if err := writeFrame(&buf, typeHelloRequest, payload); err != nil {
		t.Fatal(err)
	}

	f, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if f.msgType != typeHelloRequest {
		t.Errorf("wrong type: %d", f.msgType)
	}

	fs, err := decodeFields(f.payload)
	if err != nil {
		t.Fatal(err)
	}
	if fs.str(1) != "hello" {
		t.Errorf("string field: %q", fs.str(1))
	}
	if fs.uint(2) != 42 {
		t.Errorf("varint field: %d", fs.uint(2))
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, typePingRequest, nil); err != nil {
		t.Fatal(err)
	}
	f, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if f.msgType != typePingRequest || len(f.payload) != 0 {
		t.Errorf("got type=%d payload=%d bytes", f.msgType, len(f.payload))
	}
}

func TestReadFrameBadPreamble(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x01, 0x00, 0x07}))
	_, err := readFrame(r)
	if err == nil {
		t.Fatal("expected error")
	}
	if model.CategoryOf(err) != model.CategoryProtocol {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}

func TestReadFrameOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(framePreamble)
	// Length varint far beyond maxFrameSize.
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	buf.WriteByte(0x07)

	_, err := readFrame(bufio.NewReader(&buf))
	if err == nil {
		t.Fatal("expected error")
	}
	if model.CategoryOf(err) != model.CategoryProtocol {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}

func TestDecodeFieldsSkipsUnknown(t *testing.T) {
	// Known string field plus an unknown fixed64 field from a newer
	// schema revision.
	payload := appendString(nil, 2, "lamp")
	payload = append(payload, 0x19)                               // field 3, fixed64
	payload = append(payload, 1, 2, 3, 4, 5, 6, 7, 8)             // 8 bytes
	payload = appendUint(payload, 4, 9)

	fs, err := decodeFields(payload)
	if err != nil {
		t.Fatal(err)
	}
	if fs.str(2) != "lamp" {
		t.Errorf("string field: %q", fs.str(2))
	}
	if fs.uint(4) != 9 {
		t.Errorf("trailing field lost: %d", fs.uint(4))
	}
}

func TestKeyAcceptsBothWireTypes(t *testing.T) {
	asFixed := appendFixed32(nil, 1, 12345)
	fs, err := decodeFields(asFixed)
	if err != nil {
		t.Fatal(err)
	}
	if fs.key(1) != 12345 {
		t.Errorf("fixed32 key: %d", fs.key(1))
	}

	asVarint := appendUint(nil, 1, 12345)
	fs, err = decodeFields(asVarint)
	if err != nil {
		t.Fatal(err)
	}
	if fs.key(1) != 12345 {
		t.Errorf("varint key: %d", fs.key(1))
	}
}

func TestFloatRoundTrip(t *testing.T) {
	payload := appendFloat(nil, 3, 0.75)
	fs, err := decodeFields(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := fs.float(3); got != 0.75 {
		t.Errorf("float field: %g", got)
	}
}

func TestDecodeFieldsMalformed(t *testing.T) {
	// Bytes field claiming more data than present.
	bad := []byte{0x0a, 0x20, 0x01}
	if _, err := decodeFields(bad); err == nil {
		t.Fatal("expected error for truncated field")
	}
}
