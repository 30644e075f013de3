package region

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec/types"
)

func testOutputs() []types.Output {
	return []types.Output{
		{Name: "DP-1", Logical: types.NewRect(0, 0, 1920, 1080)},
		{Name: "HDMI-A-1", Logical: types.NewRect(1920, 0, 1280, 1024), Transform: types.Transform90},
	}
}

func TestParseGeometry(t *testing.T) {
	r, err := ParseGeometry("0,0 128x128")
	require.NoError(t, err)
	require.Equal(t, types.NewRect(0, 0, 128, 128), r)

	r, err = ParseGeometry(" 10,-20 30x40 ")
	require.NoError(t, err)
	require.Equal(t, types.NewRect(10, -20, 30, 40), r)

	for _, in := range []string{"", "0,0", "0 0x0", "a,b cxd", "0,0 0x10"} {
		_, err := ParseGeometry(in)
		require.Error(t, err, in)
	}
}

func TestResolveByName(t *testing.T) {
	r, err := Resolve(testOutputs(), Target{OutputName: "HDMI-A-1"})
	require.NoError(t, err)
	require.Equal(t, "HDMI-A-1", r.Output.Name)
	require.Equal(t, types.NewRect(1920, 0, 1280, 1024), r.Global)
	require.Equal(t, types.NewRect(0, 0, 1280, 1024), r.Local)
	require.True(t, r.IsFullOutput())

	_, err = Resolve(testOutputs(), Target{OutputName: "eDP-1"})
	require.ErrorIs(t, err, ErrOutputNotFound)
}

func TestResolveRegion(t *testing.T) {
	region := types.NewRect(2000, 100, 200, 300)
	r, err := Resolve(testOutputs(), Target{Region: &region})
	require.NoError(t, err)
	require.Equal(t, "HDMI-A-1", r.Output.Name)
	require.Equal(t, region, r.Global)
	require.Equal(t, types.NewRect(80, 100, 200, 300), r.Local)
	require.False(t, r.IsFullOutput())

	spanning := types.NewRect(1900, 0, 100, 100)
	_, err = Resolve(testOutputs(), Target{Region: &spanning})
	require.ErrorIs(t, err, ErrRegionSpansOutputs)

	outside := types.NewRect(-500, -500, 10, 10)
	_, err = Resolve(testOutputs(), Target{Region: &outside})
	require.ErrorIs(t, err, ErrRegionOutOfBounds)

	partial := types.NewRect(3100, 900, 500, 500)
	_, err = Resolve(testOutputs(), Target{Region: &partial})
	require.ErrorIs(t, err, ErrRegionSpansOutputs)
}

func TestResolveDefault(t *testing.T) {
	_, err := Resolve(testOutputs(), Target{})
	require.ErrorIs(t, err, ErrAmbiguousOutput)

	r, err := Resolve(testOutputs()[:1], Target{})
	require.NoError(t, err)
	require.Equal(t, "DP-1", r.Output.Name)

	_, err = Resolve(nil, Target{})
	require.ErrorIs(t, err, ErrOutputNotFound)
}
