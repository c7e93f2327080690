package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXZ    = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

// decodeContentEncoding wraps body according to the Content-Encoding header.
// Unknown encodings are passed through.
func decodeContentEncoding(encoding string, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case EncodingGzip:
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return r, nil
	case EncodingDeflate:
		return flate.NewReader(body), nil
	case EncodingBrotli:
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}

// decompressSniffed detects gzip, bzip2 or xz data by its magic bytes and
// returns the decompressed content. Other data is returned as is.
func decompressSniffed(data []byte) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(data)

	switch {
	case bytes.HasPrefix(data, magicGzip):
		r, err = gzip.NewReader(src)
	case bytes.HasPrefix(data, magicBzip2):
		r, err = bzip2.NewReader(src, nil)
	case bytes.HasPrefix(data, magicXZ):
		r, err = xz.NewReader(src)
	default:
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating decompression reader: %w", err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	return out, nil
}
