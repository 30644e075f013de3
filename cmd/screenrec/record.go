package main

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/control"
	"github.com/xaionaro-go/screenrec/libav"
	"github.com/xaionaro-go/screenrec/region"
	"github.com/xaionaro-go/screenrec/scheduler"
	"github.com/xaionaro-go/screenrec/wayland"
)

// record wires the compositor, the encoders and the output file together
// and runs the recording until it is stopped.
func record(ctx context.Context, opts *options) (_err error) {
	cfg := opts.Config
	logger.Debugf(ctx, "record: %#+v", cfg)
	defer func() { logger.Debugf(ctx, "/record: %v", _err) }()

	client, err := wayland.Connect(ctx)
	if err != nil {
		return fmt.Errorf("unable to connect to the compositor: %w", err)
	}
	defer client.Close()

	outputs, err := client.Outputs(ctx)
	if err != nil {
		return fmt.Errorf("unable to get the outputs: %w", err)
	}
	target := region.Target{OutputName: cfg.Capture.OutputName}
	if cfg.Capture.Region != "" {
		r, err := region.ParseGeometry(cfg.Capture.Region)
		if err != nil {
			return fmt.Errorf("unable to parse the region '%s': %w", cfg.Capture.Region, err)
		}
		target.Region = &r
	}
	captureRegion, err := region.Resolve(outputs, target)
	if err != nil {
		return fmt.Errorf("unable to resolve the %s: %w", target, err)
	}
	logger.Infof(ctx, "capturing %s of %s", captureRegion.Local, captureRegion.Output)

	source, err := wayland.NewScreencopySource(ctx, client, captureRegion.Output.Name)
	if err != nil {
		return fmt.Errorf("unable to initialize the screen capture: %w", err)
	}
	defer func() {
		if err := source.Close(ctx); err != nil {
			logger.Warnf(ctx, "unable to release the capture objects: %v", err)
		}
	}()

	vaapi, err := openVAAPI(ctx, cfg.Video)
	if err != nil {
		return err
	}
	var gpu bufferpool.Allocator
	if vaapi != nil {
		defer vaapi.Close()
		gpu = vaapi
	}
	pool := bufferpool.New(bufferpool.Config{
		Size:          cfg.Capture.BufferPoolSize,
		AllowSoftware: vaapi == nil || cfg.Video.Backend != screenrec.EncoderBackendHardware || cfg.Video.AllowSoftwareFallback,
		ForceSoftware: cfg.Video.Backend == screenrec.EncoderBackendSoftware,
	}, gpu, bufferpool.SHMAllocator{})

	globalHeader, err := libav.NeedsGlobalHeader(cfg.Output.Path, cfg.Output.Format)
	if err != nil {
		return fmt.Errorf("%w: %w", screenrec.ErrMuxerWrite, err)
	}
	deps := scheduler.Deps{
		Source:   source,
		Pool:     pool,
		Encoders: libav.NewFactory(vaapi, globalHeader),
		Opener:   libav.NewOpener(cfg.Output.Path, cfg.Output.Format, cfg.Output.CustomOptions),
	}
	if cfg.Audio.Enable {
		if err := openAudio(ctx, cfg.Audio, globalHeader, &deps); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(ctx, scheduler.Config{
		Config:        cfg,
		Region:        captureRegion,
		FrameInterval: captureRegion.Output.RefreshInterval,
	}, deps)
	if err != nil {
		return closeAudio(deps, fmt.Errorf("unable to initialize the scheduler: %w", err))
	}
	logger.Infof(ctx, "recording session %s into '%s'", sched.SessionID(), cfg.Output.Path)

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	sched.WatchOS(ctx)
	if opts.ControlListenAddr != "" {
		srv := control.New(ctx, sched, control.DefaultStatsInterval)
		observability.Go(ctx, func(ctx context.Context) {
			if err := srv.ListenAndServe(ctx, opts.ControlListenAddr); err != nil {
				logger.Errorf(ctx, "the control endpoint failed: %v", err)
			}
		})
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	stats := sched.GetStats(ctx)
	logger.Infof(ctx, "done: %d frames captured, %d packets (%d bytes) written",
		stats.FramesCaptured, stats.PacketsWritten, stats.BytesWritten)
	return nil
}

// openVAAPI returns nil (and no error) if the hardware path is not
// required and the device is unusable.
func openVAAPI(
	ctx context.Context,
	cfg screenrec.EncodeVideoConfig,
) (*libav.VAAPIAllocator, error) {
	if cfg.Backend == screenrec.EncoderBackendSoftware {
		return nil, nil
	}
	vaapi, err := libav.NewVAAPIAllocator(ctx, cfg.DRIDevice)
	if err == nil {
		return vaapi, nil
	}
	if cfg.Backend == screenrec.EncoderBackendHardware && !cfg.AllowSoftwareFallback {
		return nil, fmt.Errorf("%w: unable to open the VAAPI device '%s': %w", screenrec.ErrEncoderInit, cfg.DRIDevice, err)
	}
	logger.Warnf(ctx, "unable to open the VAAPI device '%s', encoding on the CPU: %v", cfg.DRIDevice, err)
	return nil, nil
}

func openAudio(
	ctx context.Context,
	cfg screenrec.AudioConfig,
	globalHeader bool,
	deps *scheduler.Deps,
) error {
	source, err := libav.NewAudioCapture(ctx, cfg.Backend, cfg.Device)
	if err != nil {
		return fmt.Errorf("unable to open the audio input: %w", err)
	}
	enc, err := libav.NewAudioEncoder(ctx, cfg.Encode, source.Format(), globalHeader)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("%w: audio: %w", screenrec.ErrEncoderInit, err)
	}
	deps.AudioSource = source
	deps.AudioEncoder = enc
	return nil
}

// closeAudio releases the audio objects never handed to a running pipeline.
func closeAudio(deps scheduler.Deps, err error) error {
	var mErr *multierror.Error
	mErr = multierror.Append(mErr, err)
	if deps.AudioEncoder != nil {
		if err := deps.AudioEncoder.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if deps.AudioSource != nil {
		if err := deps.AudioSource.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}
