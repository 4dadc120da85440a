package gitcore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rybkr/gitsend/internal/giterr"
)

// applyDelta applies Git pack delta instructions to reconstruct an object
// from its base.
// See: https://git-scm.com/docs/pack-format#_deltified_representation
func applyDelta(base []byte, delta []byte) ([]byte, error) {
	src := bytes.NewReader(delta)

	srcSize, err := readVarInt(src)
	if err != nil {
		return nil, err
	}
	if srcSize != int64(len(base)) {
		return nil, fmt.Errorf("%w: base size mismatch: expected %d, got %d",
			giterr.ErrBadPackfile, srcSize, len(base))
	}

	targetSize, err := readVarInt(src)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, targetSize)

	for {
		cmd, err := src.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if cmd&0x80 != 0 {
			// Copy from base object
			var offset, size int64

			for i := 0; i < 4; i++ {
				if cmd&(0x01<<i) != 0 {
					b, err := src.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("%w: truncated copy command",
							giterr.ErrBadPackfile)
					}
					offset |= int64(b) << (8 * i)
				}
			}

			for i := 0; i < 3; i++ {
				if cmd&(0x10<<i) != 0 {
					b, err := src.ReadByte()
					if err != nil {
						return nil, fmt.Errorf("%w: truncated copy command",
							giterr.ErrBadPackfile)
					}
					size |= int64(b) << (8 * i)
				}
			}

			// "Size zero is automatically converted to 0x10000."
			if size == 0 {
				size = 0x10000
			}
			if offset+size > int64(len(base)) {
				return nil, fmt.Errorf("%w: copy of %d exceeds base size of %d",
					giterr.ErrBadPackfile, offset+size, int64(len(base)))
			}
			result = append(result, base[offset:offset+size]...)

		} else if cmd != 0 {
			// Add new data
			size := int(cmd & 0x7f)
			data := make([]byte, size)
			if _, err := io.ReadFull(src, data); err != nil {
				return nil, fmt.Errorf("%w: truncated insert command",
					giterr.ErrBadPackfile)
			}
			result = append(result, data...)

		} else {
			return nil, fmt.Errorf("%w: invalid delta command: 0", giterr.ErrBadPackfile)
		}
	}

	if int64(len(result)) != targetSize {
		return nil, fmt.Errorf("%w: result size mismatch: expected %d, got %d",
			giterr.ErrBadPackfile, targetSize, len(result))
	}

	return result, nil
}

// readVarInt decodes the LSB-first base-128 size fields at the head of a
// delta script.
func readVarInt(src *bytes.Reader) (int64, error) {
	var result int64
	var shift uint

	for {
		b, err := src.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated delta header", giterr.ErrBadPackfile)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	return result, nil
}

// appendVarInt is the encoder counterpart of readVarInt.
func appendVarInt(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			return append(dst, b)
		}
	}
}
