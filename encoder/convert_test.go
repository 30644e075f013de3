package encoder

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec/types"
)

// testImage is 3x2:
//
//	1 2 3
//	4 5 6
func testImage() []byte {
	b := make([]byte, 3*2*4)
	for i := 0; i < 6; i++ {
		binary.NativeEndian.PutUint32(b[i*4:], uint32(i+1))
	}
	return b
}

func pixels(b []byte, w, h int) [][]uint32 {
	out := make([][]uint32, h)
	for y := range out {
		out[y] = make([]uint32, w)
		for x := range out[y] {
			out[y][x] = binary.NativeEndian.Uint32(b[(y*w+x)*4:])
		}
	}
	return out
}

func TestUprightPacked32(t *testing.T) {
	for _, tc := range []struct {
		transform types.Transform
		expected  [][]uint32
	}{
		{types.TransformNormal, [][]uint32{{1, 2, 3}, {4, 5, 6}}},
		{types.Transform90, [][]uint32{{4, 1}, {5, 2}, {6, 3}}},
		{types.Transform180, [][]uint32{{6, 5, 4}, {3, 2, 1}}},
		{types.Transform270, [][]uint32{{3, 6}, {2, 5}, {1, 4}}},
		{types.TransformFlipped, [][]uint32{{3, 2, 1}, {6, 5, 4}}},
		{types.TransformFlipped90, [][]uint32{{1, 4}, {2, 5}, {3, 6}}},
		{types.TransformFlipped180, [][]uint32{{4, 5, 6}, {1, 2, 3}}},
		{types.TransformFlipped270, [][]uint32{{6, 3}, {5, 2}, {4, 1}}},
	} {
		t.Run(tc.transform.String(), func(t *testing.T) {
			dst := make([]byte, 6*4)
			size, err := UprightPacked32(dst, int(len(tc.expected[0])*4), testImage(), 3*4, 3, 2, tc.transform)
			require.NoError(t, err)
			require.Equal(t, int32(len(tc.expected[0])), size.W)
			require.Equal(t, tc.expected, pixels(dst, int(size.W), int(size.H)))
		})
	}
}

func TestUprightPacked32ShortBuffer(t *testing.T) {
	_, err := UprightPacked32(make([]byte, 4), 12, testImage(), 12, 3, 2, types.TransformNormal)
	require.Error(t, err)
}
