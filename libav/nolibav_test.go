//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/screenrec/encoder"
)

func TestNotCompiled(t *testing.T) {
	ctx := context.Background()

	_, err := NewVAAPIAllocator(ctx, "/dev/dri/renderD128")
	require.ErrorIs(t, err, ErrNotCompiled)

	_, err = NewFactory(nil, false).NewBackend(ctx, encoder.Params{Variant: encoder.VariantSoftware})
	require.ErrorIs(t, err, ErrNotCompiled)

	_, err = NewOpener("out.mp4", "", nil).OpenContainer(ctx, nil)
	require.ErrorIs(t, err, ErrNotCompiled)
}
