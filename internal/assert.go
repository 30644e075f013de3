// Package internal holds helpers shared by the recorder packages.
package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assertf panics (through the logger of ctx, so the message reaches the
// log sinks first) if an internal invariant does not hold.
func Assertf(
	ctx context.Context,
	mustBeTrue bool,
	format string,
	args ...any,
) {
	if mustBeTrue {
		return
	}
	logger.Panic(ctx, "assertion failed: "+fmt.Sprintf(format, args...))
}
