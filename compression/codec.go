// Package compression provides the wire payload codec used for serialized
// rowsets shipped between sites. Each payload is framed with a one-byte
// algorithm tag so the receiver decodes without out-of-band agreement.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a payload compression scheme.
type Algorithm byte

const (
	None Algorithm = iota
	Snappy
	LZ4
	Zstd
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// Codec compresses outbound payloads with one configured algorithm and
// decompresses inbound payloads of any algorithm. The zstd encoder/decoder
// are built once and reused; the codec is confined to one executor task.
type Codec struct {
	algo    Algorithm
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds a codec that encodes with algo.
func NewCodec(algo Algorithm) (*Codec, error) {
	c := &Codec{algo: algo}
	var err error
	if c.encoder, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	if c.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return c, nil
}

// Algorithm returns the configured outbound algorithm.
func (c *Codec) Algorithm() Algorithm { return c.algo }

// Encode compresses src and prepends the algorithm tag.
func (c *Codec) Encode(src []byte) ([]byte, error) {
	switch c.algo {
	case None:
		out := make([]byte, 1+len(src))
		out[0] = byte(None)
		copy(out[1:], src)
		return out, nil
	case Snappy:
		return append([]byte{byte(Snappy)}, snappy.Encode(nil, src)...), nil
	case LZ4:
		var buf bytes.Buffer
		buf.WriteByte(byte(LZ4))
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		return c.encoder.EncodeAll(src, []byte{byte(Zstd)}), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %d", c.algo)
	}
}

// Decode strips the algorithm tag and decompresses.
func (c *Codec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("empty compressed payload")
	}
	body := src[1:]
	switch Algorithm(src[0]) {
	case None:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case Snappy:
		return snappy.Decode(nil, body)
	case LZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	case Zstd:
		return c.decoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", src[0])
	}
}
