package sui

import "bytes"

// bcsEncoder writes Binary Canonical Serialization values
type bcsEncoder struct {
	buf bytes.Buffer
}

func (e *bcsEncoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

// uleb128 writes a sequence length
func (e *bcsEncoder) uleb128(v uint64) {
	for v >= 0x80 {
		e.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	e.buf.WriteByte(byte(v))
}

func (e *bcsEncoder) bytes(b []byte) {
	e.uleb128(uint64(len(b)))
	e.buf.Write(b)
}

func (e *bcsEncoder) str(s string) {
	e.bytes([]byte(s))
}

func (e *bcsEncoder) strs(list []string) {
	e.uleb128(uint64(len(list)))
	for _, s := range list {
		e.str(s)
	}
}

func (e *bcsEncoder) Bytes() []byte {
	return e.buf.Bytes()
}

const (
	envelopeCallMessage         = 0
	envelopeCallMessageRollback = 1
)

// encodeEnvelope builds the xcall envelope passed to send_call
func encodeEnvelope(data, rollback []byte, sources, destinations []string) []byte {
	var e bcsEncoder
	if len(rollback) > 0 {
		e.u8(envelopeCallMessageRollback)
	} else {
		e.u8(envelopeCallMessage)
	}
	var msg bcsEncoder
	msg.bytes(data)
	if len(rollback) > 0 {
		msg.bytes(rollback)
	}
	e.bytes(msg.Bytes())
	e.strs(sources)
	e.strs(destinations)
	return e.Bytes()
}
