package httpreq

import (
	"bytes"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Channel is the wire-level sink the publisher drives: an HTTP/2
// stream (or an HTTP/1.1 connection adapting the same contract).
type Channel interface {
	WriteHeaderBlock(block []byte, endStream bool) error
	WriteData(data []byte, endStream bool) error
	ResetStream(code http2.ErrCode) error
}

// HeaderEncoder turns request/trailer headers plus the mandatory
// pseudo-headers into an HPACK-encoded header block, mirroring how
// golang.org/x/net/http2's client connection builds one via its own
// hpack.Encoder before handing the block to the framer.
type HeaderEncoder struct {
	buf *bytes.Buffer
	enc *hpack.Encoder
}

// NewHeaderEncoder constructs a reusable encoder. It is not safe for
// concurrent use; one per in-flight request is expected.
func NewHeaderEncoder() *HeaderEncoder {
	buf := new(bytes.Buffer)
	return &HeaderEncoder{buf: buf, enc: hpack.NewEncoder(buf)}
}

// Encode writes :method, :path, :scheme, :authority (in that pseudo-
// header order, as HTTP/2 requires), then every other header, and
// returns the resulting block. The returned slice is only valid until
// the next call to Encode.
func (h *HeaderEncoder) Encode(method, path, scheme, authority string, headers http.Header) ([]byte, error) {
	h.buf.Reset()
	for _, f := range []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":path", Value: path},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
	} {
		if err := h.enc.WriteField(f); err != nil {
			return nil, err
		}
	}
	for name, values := range headers {
		for _, v := range values {
			if err := h.enc.WriteField(hpack.HeaderField{Name: name, Value: v}); err != nil {
				return nil, err
			}
		}
	}
	return h.buf.Bytes(), nil
}

// EncodeTrailers writes a trailers-only header block (no pseudo-
// headers, since those are only valid on the first HEADERS frame).
func (h *HeaderEncoder) EncodeTrailers(headers http.Header) ([]byte, error) {
	h.buf.Reset()
	for name, values := range headers {
		for _, v := range values {
			if err := h.enc.WriteField(hpack.HeaderField{Name: name, Value: v}); err != nil {
				return nil, err
			}
		}
	}
	return h.buf.Bytes(), nil
}
