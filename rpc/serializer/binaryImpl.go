package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSMR/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
// 1 byte MsgType, 2 bytes presence flags (big endian), then every present
// field in flag order. Strings and byte slices are prefixed with a 4 byte length.
type binarySerializerImpl struct {
}

const headerSize = 3

// Bit flags to indicate which optional fields are present
const (
	hasKey uint16 = 1 << iota
	hasExpireIn
	hasDeleteIn
	hasValue
	hasOk
	hasErr
	hasMeta
	hasClientID
	hasRequestID
	hasAckedUpTo
	hasErrCode
	hasRedirect
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	w := writer{buf: make([]byte, headerSize, b.sizeBytes(msg))}
	w.buf[0] = byte(msg.MsgType)

	var flags uint16
	if msg.Key != "" {
		flags |= hasKey
		w.string(msg.Key)
	}
	if msg.ExpireIn > 0 {
		flags |= hasExpireIn
		w.uint64(msg.ExpireIn)
	}
	if msg.DeleteIn > 0 {
		flags |= hasDeleteIn
		w.uint64(msg.DeleteIn)
	}
	if msg.Value != nil {
		flags |= hasValue
		w.bytes(msg.Value)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Err != "" {
		flags |= hasErr
		w.string(msg.Err)
	}
	if msg.Meta != nil {
		flags |= hasMeta
		w.bytes(msg.Meta)
	}
	if msg.ClientID > 0 {
		flags |= hasClientID
		w.uint64(msg.ClientID)
	}
	if msg.RequestID > 0 {
		flags |= hasRequestID
		w.uint64(msg.RequestID)
	}
	if msg.AckedUpTo > 0 {
		flags |= hasAckedUpTo
		w.uint64(msg.AckedUpTo)
	}
	if msg.ErrCode != common.ErrCNone {
		flags |= hasErrCode
		w.buf = append(w.buf, byte(msg.ErrCode))
	}
	if msg.Redirect != "" {
		flags |= hasRedirect
		w.string(msg.Redirect)
	}

	binary.BigEndian.PutUint16(w.buf[1:3], flags)
	return w.buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	value, meta := msg.Value, msg.Meta
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := reader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = r.string("key")
	}
	if flags&hasExpireIn != 0 {
		msg.ExpireIn = r.uint64("ExpireIn")
	}
	if flags&hasDeleteIn != 0 {
		msg.DeleteIn = r.uint64("DeleteIn")
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes("value", value)
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasErr != 0 {
		msg.Err = r.string("error")
	}
	if flags&hasMeta != 0 {
		msg.Meta = r.bytes("meta", meta)
	}
	if flags&hasClientID != 0 {
		msg.ClientID = r.uint64("ClientID")
	}
	if flags&hasRequestID != 0 {
		msg.RequestID = r.uint64("RequestID")
	}
	if flags&hasAckedUpTo != 0 {
		msg.AckedUpTo = r.uint64("AckedUpTo")
	}
	if flags&hasErrCode != 0 {
		msg.ErrCode = common.ErrorCode(r.byte("ErrCode"))
	}
	if flags&hasRedirect != 0 {
		msg.Redirect = r.string("redirect")
	}

	return r.err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.ExpireIn > 0 {
		size += 8
	}
	if msg.DeleteIn > 0 {
		size += 8
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}
	if msg.ClientID > 0 {
		size += 8
	}
	if msg.RequestID > 0 {
		size += 8
	}
	if msg.AckedUpTo > 0 {
		size += 8
	}
	if msg.ErrCode != common.ErrCNone {
		size += 1
	}
	if msg.Redirect != "" {
		size += 4 + len(msg.Redirect)
	}

	return size
}

type writer struct {
	buf []byte
}

func (w *writer) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(v []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) string(v string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// reader decodes fields until the first error, later reads are no-ops.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("data too short for %s", field)
		return false
	}
	return true
}

func (r *reader) byte(field string) byte {
	if !r.need(1, field) {
		return 0
	}
	r.pos++
	return r.data[r.pos-1]
}

func (r *reader) uint64(field string) uint64 {
	if !r.need(8, field) {
		return 0
	}
	r.pos += 8
	return binary.BigEndian.Uint64(r.data[r.pos-8 : r.pos])
}

func (r *reader) slice(field string) []byte {
	if !r.need(4, field+" length") {
		return nil
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4
	if !r.need(n, field+" data") {
		return nil
	}
	r.pos += n
	return r.data[r.pos-n : r.pos]
}

func (r *reader) string(field string) string {
	return string(r.slice(field))
}

// bytes copies the field into buf if it is large enough. An empty field
// decodes to an empty, non-nil slice.
func (r *reader) bytes(field string, buf []byte) []byte {
	src := r.slice(field)
	if r.err != nil {
		return nil
	}
	if cap(buf) < len(src) || buf == nil {
		buf = make([]byte, len(src))
	} else {
		buf = buf[:len(src)]
	}
	copy(buf, src)
	return buf
}
