package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method identifies a block compression algorithm.
type Method uint8

const (
	// None stores blocks verbatim.
	None Method = iota
	// Zlib compresses blocks as zlib streams.
	Zlib
	// Zstd compresses blocks as zstd frames.
	Zstd
	// LZ4 compresses blocks as raw LZ4 blocks.
	LZ4
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

var (
	// ErrUnknownMethod is returned for a method this package does not implement.
	ErrUnknownMethod = errors.New("codec: unknown compression method")
	// ErrCorrupt is returned when a block does not decode to its expected size.
	ErrCorrupt = errors.New("codec: corrupt block")
	// ErrIncompressible is returned by Compress when LZ4 cannot encode a block.
	ErrIncompressible = errors.New("codec: block is incompressible")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
	zlibReaderPool  sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	return dec
}

// Decompress decodes src into a freshly allocated buffer of exactly size bytes.
// Trailing bytes in src beyond the compressed stream are ignored for None and
// must be trimmed by the caller for the other methods.
func Decompress(m Method, src []byte, size int) ([]byte, error) {
	if size < 0 {
		panic("codec: negative size")
	}

	switch m {
	case None:
		if len(src) < size {
			return nil, fmt.Errorf("%w: stored block has %d bytes, want %d", ErrCorrupt, len(src), size)
		}
		out := make([]byte, size)
		copy(out, src)
		return out, nil

	case Zlib:
		return decompressZlib(src, size)

	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)

		out, err := dec.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrCorrupt, len(out), size)
		}
		return out, nil

	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrCorrupt, n, size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
}

func decompressZlib(src []byte, size int) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	if v := zlibReaderPool.Get(); v != nil {
		r = v.(io.ReadCloser)
		err = r.(zlib.Resetter).Reset(bytes.NewReader(src), nil)
	} else {
		r, err = zlib.NewReader(bytes.NewReader(src))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
	}
	defer zlibReaderPool.Put(r)

	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
	}
	// The stream must end exactly at size.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: zlib stream longer than %d bytes", ErrCorrupt, size)
	}
	return out, nil
}

// Compress encodes one block with method m.
func Compress(m Method, src []byte) ([]byte, error) {
	switch m {
	case None:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil

	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case Zstd:
		enc := getZstdEncoder()
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(src, nil), nil

	case LZ4:
		if len(src) == 0 {
			return nil, ErrIncompressible
		}
		out := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, out, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrIncompressible
		}
		return out[:n], nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
}
