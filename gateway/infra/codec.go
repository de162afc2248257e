package infra

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Formato no canal: 1 byte de tag + corpo.
const (
	tagRaw  byte = 0x00
	tagZstd byte = 0x01

	DefaultCompressionThreshold = 100
	maxDecodedSize              = 64 << 20
)

// Codec serializa em JSON e comprime com zstd quando compensa.
// Encoder e decoder são compartilhados entre streams (EncodeAll/DecodeAll são
// seguros para uso concorrente).
type Codec struct {
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// Encoded descreve o que Encode fez com a mensagem.
type Encoded struct {
	Frame      []byte
	RawSize    int
	Compressed bool
	// Savings = 1 - comprimido/original, só quando Compressed.
	Savings float64
}

func NewCodec(threshold int) (*Codec, error) {
	if threshold < 0 {
		threshold = DefaultCompressionThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, threshold: threshold}, nil
}

func (c *Codec) Threshold() int { return c.threshold }

// Encode serializa v. Com compress=true, mensagens acima do limiar são
// comprimidas e o resultado só é usado se for estritamente menor.
func (c *Codec) Encode(v any, compress bool) (Encoded, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Encoded{}, err
	}

	out := Encoded{RawSize: len(raw)}
	if compress && len(raw) > c.threshold {
		z := c.enc.EncodeAll(raw, make([]byte, 1, len(raw)+1))
		z[0] = tagZstd
		if body := len(z) - 1; body < len(raw) {
			out.Frame = z
			out.Compressed = true
			out.Savings = 1 - float64(body)/float64(len(raw))
			return out, nil
		}
	}

	frame := make([]byte, 0, len(raw)+1)
	frame = append(frame, tagRaw)
	out.Frame = append(frame, raw...)
	return out, nil
}

// Decode desfaz Encode em out (ponteiro, como em json.Unmarshal).
func (c *Codec) Decode(frame []byte, out any) error {
	if len(frame) == 0 {
		return errors.New("empty frame")
	}

	body := frame[1:]
	switch frame[0] {
	case tagRaw:
	case tagZstd:
		raw, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		body = raw
	default:
		return fmt.Errorf("unknown frame tag 0x%02x", frame[0])
	}
	return json.Unmarshal(body, out)
}

func IsCompressed(frame []byte) bool {
	return len(frame) > 0 && frame[0] == tagZstd
}

func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
