package reqresp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// prefixLen is the size of the big-endian header length that starts every frame.
const prefixLen = 2

// Header keys. All four are required in every frame.
const (
	keyByteOrder       = "byteorder"
	keyContentEncoding = "content-encoding"
	keyContentLength   = "content-length"
	keyContentType     = "content-type"
)

var requiredKeys = [...]string{keyByteOrder, keyContentLength, keyContentType, keyContentEncoding}

// hostByteOrder names the byte order of the sending host. It is informational only.
var hostByteOrder = func() string {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return "little"
	}
	return "big"
}()

// Header is the metadata header that precedes the content of a frame.
type Header struct {
	ByteOrder       string `json:"byteorder"`
	ContentEncoding string `json:"content-encoding"`
	ContentLength   int    `json:"content-length"`
	ContentType     string `json:"content-type"`
}

// EncodeFrame builds [2-byte header length][header][content].
func EncodeFrame(content []byte, contentType, contentEncoding string) ([]byte, error) {
	header, err := marshalJSON(Header{
		ByteOrder:       hostByteOrder,
		ContentEncoding: contentEncoding,
		ContentLength:   len(content),
		ContentType:     contentType,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode header")
	}
	if len(header) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", len(header))
	}

	frame := make([]byte, prefixLen, prefixLen+len(header)+len(content))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	frame = append(frame, content...)
	return frame, nil
}

// decodePrefix returns the header length once two bytes are buffered and
// consumes exactly those two bytes. It consumes nothing otherwise.
func decodePrefix(buf *bytes.Buffer) (int, bool) {
	if buf.Len() < prefixLen {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(buf.Next(prefixLen))), true
}

// decodeHeader returns the header once n bytes are buffered and consumes
// exactly n bytes. It consumes nothing otherwise.
func decodeHeader(buf *bytes.Buffer, n int) (*Header, bool, error) {
	if buf.Len() < n {
		return nil, false, nil
	}
	h, err := parseHeader(buf.Next(n))
	if err != nil {
		return nil, true, err
	}
	return h, true, nil
}

func parseHeader(data []byte) (*Header, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(ErrMalformedHeader, "invalid json: %v", err)
	}
	for _, key := range requiredKeys {
		raw, ok := fields[key]
		if !ok {
			return nil, errors.Wrapf(ErrMalformedHeader, "missing required header %q", key)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, errors.Wrapf(ErrMalformedHeader, "null value for header %q", key)
		}
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrapf(ErrMalformedHeader, "invalid field: %v", err)
	}
	if h.ContentLength < 0 {
		return nil, errors.Wrapf(ErrMalformedHeader, "negative content-length %d", h.ContentLength)
	}
	return &h, nil
}

// decodeContent returns the payload once content-length bytes are buffered
// and consumes exactly that many bytes. It consumes nothing otherwise.
func decodeContent(buf *bytes.Buffer, h *Header) (*Payload, bool, error) {
	if buf.Len() < h.ContentLength {
		return nil, false, nil
	}

	raw := make([]byte, h.ContentLength)
	copy(raw, buf.Next(h.ContentLength))

	p := &Payload{Header: *h, Kind: KindOf(h.ContentType), Raw: raw}
	switch p.Kind {
	case ContentStructured:
		if len(raw) == 0 {
			p.Text = raw
			break
		}
		text, value, err := decodeStructured(raw, h.ContentEncoding)
		if err != nil {
			return nil, true, err
		}
		p.Text, p.Value = text, value
	case ContentBinary:
	}
	return p, true, nil
}
