package region

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec/types"
)

func TestScreenToFrameNormal(t *testing.T) {
	require.Equal(t,
		types.NewRect(10, 20, 30, 40),
		ScreenToFrame(types.NewRect(10, 20, 30, 40), 1920, 1080, types.TransformNormal),
	)
}

func TestScreenToFrame90(t *testing.T) {
	require.Equal(t,
		types.NewRect(20, 1040, 40, 30),
		ScreenToFrame(types.NewRect(10, 20, 30, 40), 1920, 1080, types.Transform90),
	)
	require.Equal(t,
		types.NewRect(0, 0, 1920, 1200),
		ScreenToFrame(types.NewRect(0, 0, 1200, 1920), 1920, 1200, types.Transform90),
	)
	require.Equal(t,
		types.NewRect(1359, 145, 264, 312),
		ScreenToFrame(types.NewRect(743, 1359, 312, 264), 1920, 1200, types.Transform90),
	)
}

func TestScreenToFrame270(t *testing.T) {
	require.Equal(t,
		types.NewRect(546, 274, 412, 639),
		ScreenToFrame(types.NewRect(274, 962, 639, 412), 1920, 1200, types.Transform270),
	)
}

func TestIsTransposed(t *testing.T) {
	require.False(t, IsTransposed(types.TransformNormal))
	require.True(t, IsTransposed(types.Transform90))
	require.True(t, IsTransposed(types.TransformFlipped270))
	require.False(t, IsTransposed(types.TransformFlipped180))

	require.Equal(t, types.Size{W: 1080, H: 1920}, TransposeIfTransposed(types.Size{W: 1920, H: 1080}, types.Transform270))
	require.Equal(t, types.Size{W: 1920, H: 1080}, TransposeIfTransposed(types.Size{W: 1920, H: 1080}, types.Transform180))
}
