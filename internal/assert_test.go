package internal

import (
	"context"
	"testing"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
)

func TestAssertf(t *testing.T) {
	ctx := logger.CtxWithLogger(context.Background(), logrus.Default().WithLevel(logger.LevelWarning))

	require.NotPanics(t, func() {
		Assertf(ctx, true, "never printed %d", 1)
	})
	require.Panics(t, func() {
		Assertf(ctx, false, "queue length is %d", -1)
	})
}
