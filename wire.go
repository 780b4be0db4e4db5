package partmesh

import (
	"encoding/binary"
	"fmt"

	"github.com/partmesh/partmesh/pkg/tensor"
)

// ServiceID identifies a registered request handler. New services extend the
// protocol by registering a handler under a fresh id; the framing below never
// changes for that.
type ServiceID uint32

const (
	svcControl ServiceID = iota
	SvcFeaturePull
	SvcFeaturePush
	SvcSampleNeighbors
	SvcRandomWalk
	SvcBarrier

	// SvcUserBase is the first id available to handlers registered by
	// embedding applications.
	SvcUserBase ServiceID = 64
)

// Message is one framed unit of the request/response protocol. It is
// ephemeral: built per call, discarded once encoded or consumed.
type Message struct {
	Sender   uint32
	Receiver uint32
	Service  ServiceID
	Seq      uint64
	Request  bool
	Status   Status
	Detail   string
	Buffers  []tensor.Buffer
}

// Frame layout, all fixed-width little-endian:
//
//	magic     uint32
//	sender    uint32
//	receiver  uint32
//	service   uint32
//	seq       uint64
//	flags     uint8   (bit0: request)
//	status    uint8
//	nbuffers  uint16
//	bodyLen   uint32  (bytes after the header)
//
// body:
//
//	detailLen uint16, detail bytes
//	per buffer: dtype uint8, element count uint64, raw bytes
const (
	frameMagic   uint32 = 0x504d5731 // "PMW1"
	headerSize          = 32
	maxFrameSize        = 1 << 28
	maxBuffers          = 1 << 12

	flagRequest uint8 = 1 << 0
)

// encodeMessage appends the framed message to dst and returns the result.
func encodeMessage(dst []byte, m *Message) ([]byte, error) {
	bodyLen := 2 + len(m.Detail)
	for _, b := range m.Buffers {
		if !b.DType.Valid() || !b.Aligned() {
			return nil, fmt.Errorf("%w: buffer with dtype %s and %d bytes",
				ErrMalformedFrame, b.DType, len(b.Data))
		}
		bodyLen += 1 + 8 + len(b.Data)
	}
	if bodyLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(m.Buffers) > maxBuffers {
		return nil, fmt.Errorf("%w: %d buffers", ErrFrameTooLarge, len(m.Buffers))
	}

	var flags uint8
	if m.Request {
		flags |= flagRequest
	}

	dst = binary.LittleEndian.AppendUint32(dst, frameMagic)
	dst = binary.LittleEndian.AppendUint32(dst, m.Sender)
	dst = binary.LittleEndian.AppendUint32(dst, m.Receiver)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(m.Service))
	dst = binary.LittleEndian.AppendUint64(dst, m.Seq)
	dst = append(dst, flags, uint8(m.Status))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m.Buffers)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))

	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(m.Detail)))
	dst = append(dst, m.Detail...)
	for _, b := range m.Buffers {
		dst = append(dst, uint8(b.DType))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(b.Len()))
		dst = append(dst, b.Data...)
	}
	return dst, nil
}

// decodeMessage attempts to decode one message from the front of buf.
//
// It is restart-safe: on an incomplete frame it returns (nil, 0, nil) and may
// be re-invoked once more bytes have been appended to the same buffer, never
// reprocessing consumed bytes. A non-nil error means the byte stream is
// corrupt and the connection must be torn down.
func decodeMessage(buf []byte) (*Message, int, error) {
	if len(buf) < headerSize {
		return nil, 0, nil
	}
	if magic := binary.LittleEndian.Uint32(buf); magic != frameMagic {
		return nil, 0, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformedFrame, magic)
	}

	m := &Message{
		Sender:   binary.LittleEndian.Uint32(buf[4:]),
		Receiver: binary.LittleEndian.Uint32(buf[8:]),
		Service:  ServiceID(binary.LittleEndian.Uint32(buf[12:])),
		Seq:      binary.LittleEndian.Uint64(buf[16:]),
	}
	flags := buf[24]
	m.Request = flags&flagRequest != 0
	m.Status = Status(buf[25])
	nbuf := int(binary.LittleEndian.Uint16(buf[26:]))
	bodyLen := int(binary.LittleEndian.Uint32(buf[28:]))

	if bodyLen > maxFrameSize || nbuf > maxBuffers {
		return nil, 0, fmt.Errorf("%w: body %d bytes, %d buffers",
			ErrMalformedFrame, bodyLen, nbuf)
	}
	if len(buf) < headerSize+bodyLen {
		return nil, 0, nil
	}

	body := buf[headerSize : headerSize+bodyLen]
	if len(body) < 2 {
		return nil, 0, fmt.Errorf("%w: truncated detail length", ErrMalformedFrame)
	}
	detailLen := int(binary.LittleEndian.Uint16(body))
	body = body[2:]
	if len(body) < detailLen {
		return nil, 0, fmt.Errorf("%w: detail overruns body", ErrMalformedFrame)
	}
	m.Detail = string(body[:detailLen])
	body = body[detailLen:]

	if nbuf > 0 {
		m.Buffers = make([]tensor.Buffer, 0, nbuf)
	}
	for i := 0; i < nbuf; i++ {
		if len(body) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated buffer header", ErrMalformedFrame)
		}
		dt := tensor.DType(body[0])
		count := binary.LittleEndian.Uint64(body[1:])
		body = body[9:]
		if !dt.Valid() {
			return nil, 0, fmt.Errorf("%w: unknown dtype %d", ErrMalformedFrame, dt)
		}
		if count > maxFrameSize/uint64(dt.Size()) {
			return nil, 0, fmt.Errorf("%w: buffer %d element count %d", ErrMalformedFrame, i, count)
		}
		byteLen := count * uint64(dt.Size())
		if byteLen > uint64(len(body)) {
			return nil, 0, fmt.Errorf("%w: buffer %d overruns body", ErrMalformedFrame, i)
		}
		data := make([]byte, byteLen)
		copy(data, body[:byteLen])
		m.Buffers = append(m.Buffers, tensor.Buffer{DType: dt, Data: data})
		body = body[byteLen:]
	}
	if len(body) != 0 {
		return nil, 0, fmt.Errorf("%w: %d trailing body bytes", ErrMalformedFrame, len(body))
	}
	return m, headerSize + bodyLen, nil
}
