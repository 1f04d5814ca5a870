package kiro

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// AWS event-stream framing used by the generateAssistantResponse body:
//
//	TotalLen(4) | HeaderLen(4) | PreludeCRC(4) | Headers | Payload | MsgCRC(4)
//
// All integers big-endian, CRC32 IEEE. Header entries are
// nameLen(1) | name | valueType(1) | value.

const (
	preludeSize    = 12
	minMessageSize = preludeSize + 4
	maxMessageSize = 16 * 1024 * 1024

	maxDecodeErrors = 5
)

// Header value wire types.
const (
	headerBoolTrue  = 0
	headerBoolFalse = 1
	headerByte      = 2
	headerInt16     = 3
	headerInt32     = 4
	headerInt64     = 5
	headerBytes     = 6
	headerString    = 7
	headerTimestamp = 8
	headerUUID      = 9
)

// ErrTooManyFrameErrors stops a decoder that keeps failing; the stream is
// beyond recovery at that point.
var ErrTooManyFrameErrors = errors.New("event stream: too many frame errors")

// FrameError is a recoverable parse failure for one frame.
type FrameError struct {
	Code   string
	Detail string
}

func (e *FrameError) Error() string { return "event stream " + e.Code + ": " + e.Detail }

func frameErrorf(code, format string, args ...any) *FrameError {
	return &FrameError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Frame is one decoded event-stream message.
type Frame struct {
	Headers map[string]any
	Payload []byte
}

// HeaderString returns the named header when it is a string, else "".
func (f *Frame) HeaderString(name string) string {
	s, _ := f.Headers[name].(string)
	return s
}

// MessageType returns the ":message-type" header, defaulting to "event".
func (f *Frame) MessageType() string {
	if s := f.HeaderString(":message-type"); s != "" {
		return s
	}
	return "event"
}

func (f *Frame) EventType() string     { return f.HeaderString(":event-type") }
func (f *Frame) ExceptionType() string { return f.HeaderString(":exception-type") }
func (f *Frame) ErrorCode() string     { return f.HeaderString(":error-code") }

// JSONPayload unmarshals the frame payload into dst.
func (f *Frame) JSONPayload(dst any) error {
	return json.Unmarshal(f.Payload, dst)
}

// Decoder incrementally parses event-stream frames from fed byte chunks.
// Misaligned or corrupt input is skipped byte-by-byte (prelude errors) or
// frame-by-frame (body errors), matching the upstream reference decoders;
// after maxDecodeErrors consecutive failures the decoder stops for good.
type Decoder struct {
	buf      []byte
	errCount int
	skipped  int
	stopped  bool
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 8192)}
}

// Feed appends raw bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) error {
	if d.stopped {
		return ErrTooManyFrameErrors
	}
	if len(d.buf)+len(p) > maxMessageSize {
		d.stopped = true
		return frameErrorf("buffer_overflow", "size=%d, max=%d", len(d.buf)+len(p), maxMessageSize)
	}
	d.buf = append(d.buf, p...)
	return nil
}

// Next returns the next complete frame, (nil, nil) when more bytes are
// needed, or a *FrameError after skipping the offending bytes. Callers may
// keep calling Next after a FrameError.
func (d *Decoder) Next() (*Frame, error) {
	if d.stopped {
		return nil, ErrTooManyFrameErrors
	}

	frame, consumed, err := parseFrame(d.buf)
	if err != nil {
		d.errCount++
		if d.errCount >= maxDecodeErrors {
			d.stopped = true
			return nil, ErrTooManyFrameErrors
		}
		d.recover(err)
		return nil, err
	}
	if frame == nil {
		return nil, nil
	}

	d.buf = d.buf[consumed:]
	d.errCount = 0
	return frame, nil
}

// BytesSkipped reports how much input error recovery discarded.
func (d *Decoder) BytesSkipped() int { return d.skipped }

// recover drops bytes so the next Next call starts past the bad region.
// Prelude-stage errors are usually a misaligned boundary: skip one byte and
// rescan. Body-stage errors skip the whole advertised frame when plausible.
func (d *Decoder) recover(err *FrameError) {
	if len(d.buf) == 0 {
		return
	}
	switch err.Code {
	case "message_crc_mismatch", "header_parse_failed":
		if len(d.buf) >= 4 {
			total := int(binary.BigEndian.Uint32(d.buf[0:4]))
			if total >= minMessageSize && total <= len(d.buf) {
				d.buf = d.buf[total:]
				d.skipped += total
				return
			}
		}
	}
	d.buf = d.buf[1:]
	d.skipped++
}

// parseFrame parses one frame from buf. Returns (nil, 0, nil) when buf holds
// no complete frame yet.
func parseFrame(buf []byte) (*Frame, int, *FrameError) {
	if len(buf) < preludeSize {
		return nil, 0, nil
	}

	total := int(binary.BigEndian.Uint32(buf[0:4]))
	headerLen := int(binary.BigEndian.Uint32(buf[4:8]))
	preludeCRC := binary.BigEndian.Uint32(buf[8:12])

	if total < minMessageSize {
		return nil, 0, frameErrorf("message_too_small", "total_length=%d, min=%d", total, minMessageSize)
	}
	if total > maxMessageSize {
		return nil, 0, frameErrorf("message_too_large", "total_length=%d, max=%d", total, maxMessageSize)
	}
	if len(buf) < total {
		return nil, 0, nil
	}

	if actual := crc32.ChecksumIEEE(buf[0:8]); actual != preludeCRC {
		return nil, 0, frameErrorf("prelude_crc_mismatch", "expected=0x%08x, actual=0x%08x", preludeCRC, actual)
	}
	messageCRC := binary.BigEndian.Uint32(buf[total-4 : total])
	if actual := crc32.ChecksumIEEE(buf[0 : total-4]); actual != messageCRC {
		return nil, 0, frameErrorf("message_crc_mismatch", "expected=0x%08x, actual=0x%08x", messageCRC, actual)
	}

	headersEnd := preludeSize + headerLen
	if headersEnd > total-4 {
		return nil, 0, frameErrorf("header_parse_failed", "header length exceeds message boundary")
	}

	headers, err := parseHeaders(buf[preludeSize:headersEnd])
	if err != nil {
		return nil, 0, err
	}

	payload := make([]byte, total-4-headersEnd)
	copy(payload, buf[headersEnd:total-4])
	return &Frame{Headers: headers, Payload: payload}, total, nil
}

func parseHeaders(data []byte) (map[string]any, *FrameError) {
	headers := make(map[string]any)
	off := 0

	need := func(n int) *FrameError {
		if len(data)-off < n {
			return frameErrorf("header_parse_failed", "need %d bytes, got %d", n, len(data)-off)
		}
		return nil
	}

	for off < len(data) {
		nameLen := int(data[off])
		off++
		if nameLen == 0 {
			return nil, frameErrorf("header_parse_failed", "header name length cannot be 0")
		}
		if err := need(nameLen + 1); err != nil {
			return nil, err
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		valueType := data[off]
		off++

		switch valueType {
		case headerBoolTrue:
			headers[name] = true
		case headerBoolFalse:
			headers[name] = false
		case headerByte:
			if err := need(1); err != nil {
				return nil, err
			}
			headers[name] = int64(int8(data[off]))
			off++
		case headerInt16:
			if err := need(2); err != nil {
				return nil, err
			}
			headers[name] = int64(int16(binary.BigEndian.Uint16(data[off : off+2])))
			off += 2
		case headerInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			headers[name] = int64(int32(binary.BigEndian.Uint32(data[off : off+4])))
			off += 4
		case headerInt64, headerTimestamp:
			if err := need(8); err != nil {
				return nil, err
			}
			headers[name] = int64(binary.BigEndian.Uint64(data[off : off+8]))
			off += 8
		case headerBytes:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(data[off : off+2]))
			off += 2
			if err := need(n); err != nil {
				return nil, err
			}
			b := make([]byte, n)
			copy(b, data[off:off+n])
			headers[name] = b
			off += n
		case headerString:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(data[off : off+2]))
			off += 2
			if err := need(n); err != nil {
				return nil, err
			}
			headers[name] = string(data[off : off+n])
			off += n
		case headerUUID:
			if err := need(16); err != nil {
				return nil, err
			}
			b := make([]byte, 16)
			copy(b, data[off:off+16])
			headers[name] = b
			off += 16
		default:
			return nil, frameErrorf("invalid_header_type", "type=%d", valueType)
		}
	}
	return headers, nil
}

// EncodeFrame builds one event-stream message with string headers. The
// gateway only decodes this format; the encoder backs fake upstreams in
// tests.
func EncodeFrame(headers map[string]string, payload []byte) []byte {
	var hdr []byte
	for name, value := range headers {
		hdr = append(hdr, byte(len(name)))
		hdr = append(hdr, name...)
		hdr = append(hdr, headerString)
		hdr = binary.BigEndian.AppendUint16(hdr, uint16(len(value)))
		hdr = append(hdr, value...)
	}

	total := preludeSize + len(hdr) + len(payload) + 4
	out := make([]byte, 0, total)
	out = binary.BigEndian.AppendUint32(out, uint32(total))
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	out = append(out, hdr...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out
}
