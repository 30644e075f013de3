package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screenrec/libav"
)

const (
	exitCodeOK = iota
	exitCodeFailure
	exitCodeUsage
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := loadOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitCodeOK
		}
		fmt.Fprintf(os.Stderr, "%v\n\nsyntax: %s [options]\n", err, os.Args[0])
		newFlagSet(ptr(defaultOptions())).PrintDefaults()
		return exitCodeUsage
	}

	l := logrus.Default().WithLevel(opts.LogLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if opts.NetPprofListenAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(opts.NetPprofListenAddr, nil)) })
	}

	libav.Init(ctx)
	if err := record(ctx, opts); err != nil {
		logger.Errorf(ctx, "%v", err)
		fmt.Fprintf(os.Stderr, "screenrec: %v\n", err)
		return exitCodeFailure
	}
	return exitCodeOK
}

func ptr[T any](in T) *T {
	return &in
}
