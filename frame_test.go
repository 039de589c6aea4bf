package reqresp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// decodeFrame runs the three decode stages over a complete frame.
func decodeFrame(t *testing.T, buf *bytes.Buffer) *Payload {
	t.Helper()

	n, ok := decodePrefix(buf)
	if !ok {
		t.Fatal("prefix not available")
	}
	h, ok, err := decodeHeader(buf, n)
	if err != nil || !ok {
		t.Fatalf("decodeHeader: ok=%v err=%v", ok, err)
	}
	p, ok, err := decodeContent(buf, h)
	if err != nil || !ok {
		t.Fatalf("decodeContent: ok=%v err=%v", ok, err)
	}
	return p
}

func TestEncodeFrame_Layout(t *testing.T) {
	content := []byte("hello")
	frame, err := EncodeFrame(content, ContentTypeOctetStream, EncodingBinary)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	headerLen := int(binary.BigEndian.Uint16(frame[:2]))
	if len(frame) != 2+headerLen+len(content) {
		t.Fatalf("frame length = %d, want %d", len(frame), 2+headerLen+len(content))
	}

	header := string(frame[2 : 2+headerLen])
	want := `{"byteorder":"` + hostByteOrder + `","content-encoding":"binary","content-length":5,"content-type":"application/octet-stream"}`
	if header != want {
		t.Errorf("header = %s, want %s", header, want)
	}

	if !bytes.Equal(frame[2+headerLen:], content) {
		t.Errorf("content = %q, want %q", frame[2+headerLen:], content)
	}
}

func TestEncodeFrame_HeaderTooLarge(t *testing.T) {
	_, err := EncodeFrame(nil, strings.Repeat("x", 70000), EncodingBinary)
	if !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("expected ErrHeaderTooLarge, got %v", err)
	}
}

func TestFrame_RoundTrip(t *testing.T) {
	contents := [][]byte{
		[]byte("a"),
		[]byte("binary \x00\x01\xff payload"),
		bytes.Repeat([]byte{0xAB}, 100000),
	}

	for _, content := range contents {
		frame, err := EncodeFrame(content, ContentTypeOctetStream, EncodingBinary)
		if err != nil {
			t.Fatalf("EncodeFrame failed: %v", err)
		}

		buf := bytes.NewBuffer(frame)
		p := decodeFrame(t, buf)

		if p.Kind != ContentBinary {
			t.Errorf("kind = %v, want binary", p.Kind)
		}
		if !bytes.Equal(p.Raw, content) {
			t.Errorf("round trip of %d bytes changed the content", len(content))
		}
		if buf.Len() != 0 {
			t.Errorf("%d bytes left in buffer", buf.Len())
		}
	}
}

func TestFrame_RoundTripStructured(t *testing.T) {
	body, err := EncodeJSON(Request{Action: "GET", Value: "<index>.html"}, EncodingUTF8)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	frame, err := EncodeFrame(body, ContentTypeHTML, EncodingUTF8)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	p := decodeFrame(t, bytes.NewBuffer(frame))
	if p.Kind != ContentStructured {
		t.Fatalf("kind = %v, want structured", p.Kind)
	}
	if !bytes.Equal(p.Raw, body) {
		t.Errorf("raw = %s, want %s", p.Raw, body)
	}

	var req Request
	if err := p.Decode(&req); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if req.Action != "GET" || req.Value != "<index>.html" {
		t.Errorf("request = %+v", req)
	}

	m, ok := p.Value.(map[string]any)
	if !ok || m["action"] != "GET" {
		t.Errorf("value = %#v", p.Value)
	}
}

func TestFrame_Fragmented(t *testing.T) {
	body, _ := EncodeJSON(Request{Action: "POST", Value: "x"}, EncodingUTF8)
	frame, err := EncodeFrame(body, ContentTypeHTML, EncodingUTF8)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	whole := decodeFrame(t, bytes.NewBuffer(frame))

	var (
		buf       bytes.Buffer
		headerLen = -1
		header    *Header
		payload   *Payload
	)
	for i, b := range frame {
		buf.WriteByte(b)

		if headerLen < 0 {
			if n, ok := decodePrefix(&buf); ok {
				headerLen = n
			}
		}
		if headerLen >= 0 && header == nil {
			h, ok, err := decodeHeader(&buf, headerLen)
			if err != nil {
				t.Fatalf("decodeHeader at byte %d: %v", i, err)
			}
			if ok {
				header = h
			}
		}
		if header != nil && payload == nil {
			p, ok, err := decodeContent(&buf, header)
			if err != nil {
				t.Fatalf("decodeContent at byte %d: %v", i, err)
			}
			if ok {
				payload = p
				if i != len(frame)-1 {
					t.Fatalf("payload complete at byte %d of %d", i, len(frame))
				}
			}
		}
	}

	if payload == nil {
		t.Fatal("payload never completed")
	}
	if !bytes.Equal(payload.Raw, whole.Raw) || payload.Header != whole.Header {
		t.Errorf("fragmented decode = %+v, want %+v", payload, whole)
	}
}

func TestDecode_InsufficientDataConsumesNothing(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00})
	if _, ok := decodePrefix(buf); ok {
		t.Fatal("prefix decoded from one byte")
	}
	if buf.Len() != 1 {
		t.Errorf("buffer length = %d, want 1", buf.Len())
	}

	buf = bytes.NewBufferString(`{"byteorder"`)
	if _, ok, err := decodeHeader(buf, 50); ok || err != nil {
		t.Fatalf("decodeHeader: ok=%v err=%v", ok, err)
	}
	if buf.Len() != len(`{"byteorder"`) {
		t.Errorf("buffer length = %d", buf.Len())
	}

	buf = bytes.NewBufferString("abc")
	if _, ok, err := decodeContent(buf, &Header{ContentLength: 4}); ok || err != nil {
		t.Fatalf("decodeContent: ok=%v err=%v", ok, err)
	}
	if buf.Len() != 3 {
		t.Errorf("buffer length = %d, want 3", buf.Len())
	}
}

func TestDecodeHeader_MissingKey(t *testing.T) {
	for _, key := range requiredKeys {
		fields := map[string]any{
			keyByteOrder:       "little",
			keyContentEncoding: "utf-8",
			keyContentLength:   3,
			keyContentType:     "text/html",
		}
		delete(fields, key)
		data, _ := marshalJSON(fields)

		_, ok, err := decodeHeader(bytes.NewBuffer(data), len(data))
		if !ok {
			t.Fatalf("missing %s: header not consumed", key)
		}
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("missing %s: expected ErrMalformedHeader, got %v", key, err)
		}
	}
}

func TestDecodeHeader_Invalid(t *testing.T) {
	inputs := []string{
		`not json`,
		`["byteorder"]`,
		`{"byteorder":"little","content-encoding":"utf-8","content-length":-1,"content-type":"text/html"}`,
		`{"byteorder":"little","content-encoding":"utf-8","content-length":"3","content-type":"text/html"}`,
		`{"byteorder":"little","content-encoding":"utf-8","content-length":null,"content-type":"text/html"}`,
		`{"byteorder":"little","content-encoding":"utf-8","content-length": null ,"content-type":"text/html"}`,
		`{"byteorder":null,"content-encoding":"utf-8","content-length":0,"content-type":"text/html"}`,
		`{"byteorder":"little","content-encoding":null,"content-length":0,"content-type":"text/html"}`,
		`{"byteorder":"little","content-encoding":"utf-8","content-length":0,"content-type":null}`,
	}
	for _, in := range inputs {
		_, _, err := decodeHeader(bytes.NewBufferString(in), len(in))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("%s: expected ErrMalformedHeader, got %v", in, err)
		}
	}
}

func TestDecodeContent_ZeroLength(t *testing.T) {
	for _, contentType := range []string{ContentTypeHTML, ContentTypeOctetStream} {
		frame, err := EncodeFrame(nil, contentType, EncodingUTF8)
		if err != nil {
			t.Fatalf("EncodeFrame failed: %v", err)
		}
		p := decodeFrame(t, bytes.NewBuffer(frame))
		if len(p.Raw) != 0 || p.Value != nil {
			t.Errorf("%s: payload = %+v, want empty", contentType, p)
		}
	}
}

func TestDecodeContent_InvalidJSON(t *testing.T) {
	buf := bytes.NewBufferString("{oops")
	_, ok, err := decodeContent(buf, &Header{ContentLength: 5, ContentType: ContentTypeHTML, ContentEncoding: EncodingUTF8})
	if !ok {
		t.Fatal("content not consumed")
	}
	if !errors.Is(err, ErrMalformedContent) {
		t.Errorf("expected ErrMalformedContent, got %v", err)
	}
}
