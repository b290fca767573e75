// Package esphome implements the native-API driver for ESPHome nodes: a
// persistent TCP session per device carrying length-prefixed protobuf
// frames, with push state updates and keepalive pings.
package esphome

import (
	"bufio"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/seawatts/cove/internal/model"
)

// Frame layout: 0x00 preamble, varint payload length, varint message
// type, payload bytes. A nonzero preamble means the peer negotiated
// encryption we do not speak.
const framePreamble = 0x00

// maxFrameSize bounds a single payload; anything larger is a protocol
// violation, not a legitimate entity list.
const maxFrameSize = 1 << 20

// Message types of the native API schema.
const (
	typeHelloRequest        = 1
	typeHelloResponse       = 2
	typeConnectRequest      = 3
	typeConnectResponse     = 4
	typeDisconnectRequest   = 5
	typeDisconnectResponse  = 6
	typePingRequest         = 7
	typePingResponse        = 8
	typeDeviceInfoRequest   = 9
	typeDeviceInfoResponse  = 10
	typeListEntitiesRequest = 11

	typeListBinarySensor = 12
	typeListCover        = 13
	typeListFan          = 14
	typeListLight        = 15
	typeListSensor       = 16
	typeListSwitch       = 17
	typeListTextSensor   = 18
	typeListEntitiesDone = 19

	typeSubscribeStates = 20

	typeStateBinarySensor = 21
	typeStateCover        = 22
	typeStateFan          = 23
	typeStateLight        = 24
	typeStateSensor       = 25
	typeStateSwitch       = 26
	typeStateTextSensor   = 27

	typeCoverCommand  = 30
	typeFanCommand    = 31
	typeLightCommand  = 32
	typeSwitchCommand = 33

	typeListNumber    = 49
	typeStateNumber   = 50
	typeNumberCommand = 51

	typeListButton    = 61
	typeButtonCommand = 62
)

// frame is one decoded wire frame.
type frame struct {
	msgType uint64
	payload []byte
}

// writeFrame encodes and writes a single frame.
func writeFrame(w io.Writer, msgType uint64, payload []byte) error {
	buf := make([]byte, 0, 16+len(payload))
	buf = append(buf, framePreamble)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = protowire.AppendVarint(buf, msgType)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame from the stream. A bad preamble or an
// oversized payload is a protocol error; the caller must drop the
// connection since framing is lost.
func readFrame(r *bufio.Reader) (frame, error) {
	preamble, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}
	if preamble != framePreamble {
		return frame{}, model.E(model.CategoryProtocol, "bad preamble 0x%02x", preamble)
	}

	size, err := readVarint(r)
	if err != nil {
		return frame{}, err
	}
	if size > maxFrameSize {
		return frame{}, model.E(model.CategoryProtocol, "frame too large: %d bytes", size)
	}

	msgType, err := readVarint(r)
	if err != nil {
		return frame{}, err
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{msgType: msgType, payload: payload}, nil
}

// readVarint reads a base-128 varint byte by byte.
func readVarint(r *bufio.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, model.E(model.CategoryProtocol, "varint overflow")
		}
	}
}

// fieldSet is an opportunistically decoded protobuf payload: field
// number to raw values, preserving the wire type. Messages from newer
// firmware may carry fields we do not know; the walk skips them instead
// of failing.
type fieldSet map[protowire.Number][]fieldValue

type fieldValue struct {
	wireType protowire.Type
	varint   uint64
	fixed32  uint32
	fixed64  uint64
	bytes    []byte
}

// decodeFields walks a protobuf payload into a fieldSet. Malformed input
// yields a protocol error.
func decodeFields(payload []byte) (fieldSet, error) {
	fs := make(fieldSet)
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, model.E(model.CategoryProtocol, "malformed field tag")
		}
		payload = payload[n:]

		var fv fieldValue
		fv.wireType = typ
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, model.E(model.CategoryProtocol, "malformed varint field %d", num)
			}
			fv.varint = v
			payload = payload[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(payload)
			if n < 0 {
				return nil, model.E(model.CategoryProtocol, "malformed fixed32 field %d", num)
			}
			fv.fixed32 = v
			payload = payload[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(payload)
			if n < 0 {
				return nil, model.E(model.CategoryProtocol, "malformed fixed64 field %d", num)
			}
			fv.fixed64 = v
			payload = payload[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, model.E(model.CategoryProtocol, "malformed bytes field %d", num)
			}
			fv.bytes = v
			payload = payload[n:]
		default:
			// Groups and unknown wire types: skip the whole field.
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, model.E(model.CategoryProtocol, "malformed field %d", num)
			}
			payload = payload[n:]
			continue
		}
		fs[num] = append(fs[num], fv)
	}
	return fs, nil
}

func (fs fieldSet) str(num protowire.Number) string {
	vs := fs[num]
	if len(vs) == 0 || vs[0].wireType != protowire.BytesType {
		return ""
	}
	return string(vs[0].bytes)
}

func (fs fieldSet) boolean(num protowire.Number) bool {
	vs := fs[num]
	if len(vs) == 0 || vs[0].wireType != protowire.VarintType {
		return false
	}
	return vs[0].varint != 0
}

func (fs fieldSet) uint(num protowire.Number) uint64 {
	vs := fs[num]
	if len(vs) == 0 {
		return 0
	}
	switch vs[0].wireType {
	case protowire.VarintType:
		return vs[0].varint
	case protowire.Fixed32Type:
		return uint64(vs[0].fixed32)
	case protowire.Fixed64Type:
		return vs[0].fixed64
	}
	return 0
}

// key reads an entity key, which firmware emits as fixed32 but some
// encoders legally write as varint.
func (fs fieldSet) key(num protowire.Number) uint32 {
	vs := fs[num]
	if len(vs) == 0 {
		return 0
	}
	switch vs[0].wireType {
	case protowire.Fixed32Type:
		return vs[0].fixed32
	case protowire.VarintType:
		return uint32(vs[0].varint)
	}
	return 0
}

func (fs fieldSet) float(num protowire.Number) float64 {
	vs := fs[num]
	if len(vs) == 0 || vs[0].wireType != protowire.Fixed32Type {
		return 0
	}
	return float64(math.Float32frombits(vs[0].fixed32))
}

func (fs fieldSet) has(num protowire.Number) bool {
	return len(fs[num]) > 0
}

// Payload builders for the requests the hub sends.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	return appendFixed32(b, num, math.Float32bits(f))
}
