package encoder

import (
	"encoding/binary"
	"fmt"

	"github.com/xaionaro-go/screenrec/region"
	"github.com/xaionaro-go/screenrec/types"
)

// UprightPacked32 copies a 32-bit packed image (w x h pixels) captured from
// an output with the given transform into dst, so that dst is displayed
// upright. dst must be big enough for the transposed size if the transform
// is transposed.
func UprightPacked32(
	dst []byte, dstStride int,
	src []byte, srcStride int,
	w, h int,
	transform types.Transform,
) (types.Size, error) {
	size := region.TransposeIfTransposed(types.Size{W: int32(w), H: int32(h)}, transform)
	dw, dh := int(size.W), int(size.H)
	if srcStride < w*4 || len(src) < srcStride*(h-1)+w*4 {
		return size, fmt.Errorf("the source buffer is too small: %d bytes with stride %d for %dx%d", len(src), srcStride, w, h)
	}
	if dstStride < dw*4 || len(dst) < dstStride*(dh-1)+dw*4 {
		return size, fmt.Errorf("the destination buffer is too small: %d bytes with stride %d for %dx%d", len(dst), dstStride, dw, dh)
	}

	if transform == types.TransformNormal {
		for y := 0; y < h; y++ {
			copy(dst[y*dstStride:y*dstStride+w*4], src[y*srcStride:y*srcStride+w*4])
		}
		return size, nil
	}

	for dy := 0; dy < dh; dy++ {
		row := dst[dy*dstStride:]
		for dx := 0; dx < dw; dx++ {
			sx, sy := uprightSource(dx, dy, w, h, transform)
			off := sy*srcStride + sx*4
			binary.NativeEndian.PutUint32(row[dx*4:], binary.NativeEndian.Uint32(src[off:]))
		}
	}
	return size, nil
}

// uprightSource maps a destination pixel to the source pixel. The mapping
// follows the ffmpeg transpose directions used for hardware paths:
// 90 -> clock, 180 -> reversal, 270 -> cclock, flipped -> hflip,
// flipped90 -> cclock_flip, flipped180 -> vflip, flipped270 -> clock_flip.
func uprightSource(dx, dy, w, h int, transform types.Transform) (int, int) {
	switch transform {
	case types.Transform90:
		return dy, h - 1 - dx
	case types.Transform180:
		return w - 1 - dx, h - 1 - dy
	case types.Transform270:
		return w - 1 - dy, dx
	case types.TransformFlipped:
		return w - 1 - dx, dy
	case types.TransformFlipped90:
		return dy, dx
	case types.TransformFlipped180:
		return dx, h - 1 - dy
	case types.TransformFlipped270:
		return w - 1 - dy, h - 1 - dx
	default:
		return dx, dy
	}
}

// TransposeDirection returns the ffmpeg transpose filter direction that
// makes a frame captured with the given transform upright.
func TransposeDirection(transform types.Transform) (string, bool) {
	switch transform {
	case types.Transform90:
		return "clock", true
	case types.Transform180:
		return "reversal", true
	case types.Transform270:
		return "cclock", true
	case types.TransformFlipped:
		return "hflip", true
	case types.TransformFlipped90:
		return "cclock_flip", true
	case types.TransformFlipped180:
		return "vflip", true
	case types.TransformFlipped270:
		return "clock_flip", true
	}
	return "", false
}
