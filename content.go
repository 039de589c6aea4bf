package reqresp

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Well-known header values.
const (
	ContentTypeHTML        = "text/html"
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"

	EncodingUTF8   = "utf-8"
	EncodingBinary = "binary"
)

// ContentKind tells how the content following a header is interpreted.
type ContentKind uint8

const (
	// ContentBinary is opaque content handed over unchanged.
	ContentBinary ContentKind = iota
	// ContentStructured is JSON text in the declared content-encoding.
	ContentStructured
)

func (k ContentKind) String() string {
	switch k {
	case ContentStructured:
		return "structured"
	case ContentBinary:
		return "binary"
	}
	return "unknown"
}

// KindOf classifies a content-type value. Anything that is not a known
// structured type is opaque.
func KindOf(contentType string) ContentKind {
	mediaType := strings.TrimSpace(contentType)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	switch strings.ToLower(mediaType) {
	case ContentTypeHTML, ContentTypeJSON:
		return ContentStructured
	default:
		return ContentBinary
	}
}

// Payload is the decoded content of one frame.
type Payload struct {
	Header Header
	Kind   ContentKind

	// Raw holds the content bytes exactly as they were received.
	Raw []byte
	// Text is Raw transcoded to UTF-8. Only set for structured content.
	Text []byte
	// Value is the decoded JSON value. Only set for structured content.
	Value any
}

// Decode unmarshals structured content into v.
func (p *Payload) Decode(v any) error {
	if p.Kind != ContentStructured {
		return errors.Wrapf(ErrMalformedContent, "cannot decode %s content as structured data", p.Header.ContentType)
	}
	return errors.Wrap(json.Unmarshal(p.Text, v), "decode payload")
}

// lookupEncoding resolves a content-encoding label. UTF-8 aliases are
// answered without consulting the registry.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedContent, "unknown content-encoding %q", name)
	}
	if enc == nil {
		return nil, errors.Wrapf(ErrMalformedContent, "unsupported content-encoding %q", name)
	}
	return enc, nil
}

// marshalJSON encodes v without HTML escaping and without the trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// EncodeJSON serializes v as JSON text in the given content-encoding.
func EncodeJSON(v any, contentEncoding string) ([]byte, error) {
	text, err := marshalJSON(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode json")
	}

	enc, err := lookupEncoding(contentEncoding)
	if err != nil {
		return nil, err
	}
	if enc == unicode.UTF8 {
		return text, nil
	}

	out, err := enc.NewEncoder().Bytes(text)
	if err != nil {
		return nil, errors.Wrapf(err, "transcode to %s", contentEncoding)
	}
	return out, nil
}

// decodeStructured transcodes raw content to UTF-8 and parses it as JSON.
func decodeStructured(raw []byte, contentEncoding string) (text []byte, value any, err error) {
	enc, err := lookupEncoding(contentEncoding)
	if err != nil {
		return nil, nil, err
	}

	text = raw
	if enc != unicode.UTF8 {
		text, err = enc.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrMalformedContent, "transcode from %s: %v", contentEncoding, err)
		}
	}

	if err = json.Unmarshal(text, &value); err != nil {
		return nil, nil, errors.Wrapf(ErrMalformedContent, "invalid json: %v", err)
	}
	return text, value, nil
}
