package recordlayer

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressionMethod is the typed interface the core consumes for
// compression, injected as a collaborator rather than hard-coded.
type CompressionMethod interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}

// nullCompression is the default, zero-overhead CompressionMethod
// installed when no compression context is configured.
type nullCompression struct{}

func (nullCompression) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (nullCompression) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

// deflateCompression implements DTLS's CompressionMethod.deflate (RFC
// 3749) using klauspost/compress/zlib, wired per SPEC_FULL.md's domain
// stack (caddyserver-caddy's go.mod contributes
// github.com/klauspost/compress).
type deflateCompression struct{}

// NewDeflateCompression returns the DEFLATE CompressionMethod.
func NewDeflateCompression() CompressionMethod {
	return deflateCompression{}
}

func (deflateCompression) Compress(dst, src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return append(dst, buf.Bytes()...), nil
}

func (deflateCompression) Decompress(dst, src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// Bound the expansion: a hostile peer must not be able to zip-bomb
	// this layer past MaxCompressed.
	limited := io.LimitReader(r, MaxCompressed+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxCompressed {
		return nil, errDecompressOverflow
	}
	return append(dst, out...), nil
}
