package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ValerySidorin/raijin/internal/pool"
	"github.com/bytedance/sonic"
)

const (
	lenPrefixSize = 4

	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("frame too large")

// EncodeFrame marshals v into a pooled, length-prefixed frame buffer.
// The caller hands the buffer back via pool.Put once written.
func EncodeFrame(v any) ([]byte, error) {
	body, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	buf := pool.Get(lenPrefixSize + len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

// WriteFrame encodes v and writes it as one frame.
func WriteFrame(w io.Writer, v any) error {
	buf, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	pool.Put(buf)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame body into v. A clean peer close before the
// length prefix surfaces as io.EOF. The decode buffer is not pooled:
// raw message fields of v may keep referencing it.
func ReadFrame(r io.Reader, maxSize uint32, v any) error {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := sonic.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
