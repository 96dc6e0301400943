package archive

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Codec compresses archive streams. The extension selects the codec when an
// archive is read back.
type Codec interface {
	Name() string
	Ext() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

type gzipCodec struct{ level int }

func (gzipCodec) Name() string { return "gzip" }
func (gzipCodec) Ext() string  { return ".gz" }

func (c gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, c.level)
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Ext() string  { return ".zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

type xzCodec struct{}

func (xzCodec) Name() string { return "xz" }
func (xzCodec) Ext() string  { return ".xz" }

func (xzCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

func (xzCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

var codecs = []Codec{gzipCodec{level: gzip.DefaultCompression}, zstdCodec{}, xzCodec{}}

// CodecByName returns the codec for "gzip", "zstd" or "xz". An empty name
// selects gzip.
func CodecByName(name string) (Codec, error) {
	if name == "" {
		name = "gzip"
	}
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported compression %q: expected gzip, zstd or xz", name)
}

// CodecForFile picks the codec from an archive file's extension.
func CodecForFile(name string) (Codec, error) {
	ext := filepath.Ext(name)
	for _, c := range codecs {
		if c.Ext() == ext {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no codec for archive %q", name)
}
