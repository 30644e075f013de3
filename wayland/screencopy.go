package wayland

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/capture"
	"github.com/xaionaro-go/screenrec/types"
)

const (
	ifaceScreencopyManager = "zwlr_screencopy_manager_v1"
	ifaceSHM               = "wl_shm"
	ifaceDMABuf            = "zwp_linux_dmabuf_v1"
)

// zwlr_screencopy_manager_v1
const (
	opScreencopyCaptureOutput       = 0
	opScreencopyCaptureOutputRegion = 1
	opScreencopyDestroy             = 2
)

// zwlr_screencopy_frame_v1
const (
	opFrameCopy           = 0
	opFrameDestroy        = 1
	opFrameCopyWithDamage = 2

	evFrameBuffer      = 0
	evFrameFlags       = 1
	evFrameReady       = 2
	evFrameFailed      = 3
	evFrameDamage      = 4
	evFrameLinuxDMABuf = 5
	evFrameBufferDone  = 6

	frameFlagYInvert = 0x1
)

// zwp_linux_dmabuf_v1
const (
	opDMABufDestroy      = 0
	opDMABufCreateParams = 1

	evDMABufFormat   = 0
	evDMABufModifier = 1
)

// ScreencopySource captures an output with wlr-screencopy. It implements
// capture.Source, and delivers the compositor answers through PollEvents.
type ScreencopySource struct {
	client         *Client
	manager        ObjectID
	managerVersion uint32
	output         ObjectID
	shm            ObjectID
	dmabuf         ObjectID
	modifiers      map[types.Fourcc][]types.Modifier

	frame   ObjectID
	offer   capture.EventBufferOffer
	pending []capture.Event

	buffers map[bufferpool.Buffer]*wlBuffer
}

var _ capture.Source = (*ScreencopySource)(nil)

// NewScreencopySource binds the globals needed to capture the output
// (as named by Client.Outputs). zwp_linux_dmabuf_v1 is optional: without
// it only shared memory buffers are offered.
func NewScreencopySource(
	ctx context.Context,
	client *Client,
	outputName string,
) (_ret *ScreencopySource, _err error) {
	logger.Debugf(ctx, "NewScreencopySource(ctx, '%s')", outputName)
	defer func() { logger.Debugf(ctx, "/NewScreencopySource(ctx, '%s'): %v", outputName, _err) }()

	output, ok := client.OutputObject(outputName)
	if !ok {
		return nil, fmt.Errorf("output '%s' is not known", outputName)
	}
	s := &ScreencopySource{
		client:    client,
		output:    output,
		modifiers: map[types.Fourcc][]types.Modifier{},
		buffers:   map[bufferpool.Buffer]*wlBuffer{},
	}

	var err error
	s.manager, s.managerVersion, err = client.Bind(ctx, ifaceScreencopyManager, 1, 3, nil)
	if err != nil {
		return nil, err
	}
	s.shm, _, err = client.Bind(ctx, ifaceSHM, 1, 1, nil)
	if err != nil {
		return nil, err
	}
	if s.managerVersion >= 3 {
		s.dmabuf, _, err = client.Bind(ctx, ifaceDMABuf, 3, 3, s.onDMABufEvent)
		if err != nil {
			logger.Warnf(ctx, "GPU buffers are unavailable: %v", err)
			s.dmabuf = 0
		}
	} else {
		logger.Warnf(ctx, "%s v%d does not support GPU buffers", ifaceScreencopyManager, s.managerVersion)
	}
	if err := client.Roundtrip(ctx); err != nil {
		return nil, fmt.Errorf("unable to get the supported buffer formats: %w", err)
	}
	logger.Debugf(ctx, "the compositor imports %d GPU buffer formats", len(s.modifiers))
	return s, nil
}

func (s *ScreencopySource) onDMABufEvent(ctx context.Context, msg Message) error {
	args := msg.Args()
	switch msg.Opcode {
	case evDMABufFormat:
		fourcc := types.Fourcc(args.Uint32())
		if _, ok := s.modifiers[fourcc]; !ok {
			s.modifiers[fourcc] = nil
		}
	case evDMABufModifier:
		fourcc := types.Fourcc(args.Uint32())
		hi, lo := args.Uint32(), args.Uint32()
		s.modifiers[fourcc] = append(s.modifiers[fourcc], types.Modifier(uint64(hi)<<32|uint64(lo)))
	}
	return args.Err()
}

func (s *ScreencopySource) RequestCapture(
	ctx context.Context,
	region types.CaptureRegion,
	overlayCursor bool,
) error {
	if s.frame != 0 {
		return fmt.Errorf("a capture is already requested (frame object %d)", s.frame)
	}
	cursor := int32(0)
	if overlayCursor {
		cursor = 1
	}

	s.frame = s.client.NewID(s.onFrameEvent)
	s.offer = capture.EventBufferOffer{}
	var req *Request
	if region.IsFullOutput() {
		req = NewRequest(s.manager, opScreencopyCaptureOutput).
			Object(s.frame).Int32(cursor).Object(s.output)
	} else {
		req = NewRequest(s.manager, opScreencopyCaptureOutputRegion).
			Object(s.frame).Int32(cursor).Object(s.output).
			Int32(region.Local.X).Int32(region.Local.Y).Int32(region.Local.W).Int32(region.Local.H)
	}
	if err := s.client.Send(ctx, req); err != nil {
		return fmt.Errorf("unable to request a capture: %w", err)
	}
	return nil
}

// shmFourcc converts a wl_shm format code into a DRM fourcc.
func shmFourcc(format uint32) types.Fourcc {
	switch format {
	case 0:
		return types.FourccARGB8888
	case 1:
		return types.FourccXRGB8888
	}
	return types.Fourcc(format)
}

func fourccSHM(fourcc types.Fourcc) uint32 {
	switch fourcc {
	case types.FourccARGB8888:
		return 0
	case types.FourccXRGB8888:
		return 1
	}
	return uint32(fourcc)
}

func (s *ScreencopySource) onFrameEvent(ctx context.Context, msg Message) error {
	if msg.Object != s.frame {
		return nil
	}
	args := msg.Args()
	switch msg.Opcode {
	case evFrameBuffer:
		format, w, h := args.Uint32(), args.Int32(), args.Int32()
		args.Uint32()
		s.offer.Width, s.offer.Height = w, h
		s.offer.Candidates = append(s.offer.Candidates, types.FormatCandidate{
			Memory: types.MemorySHM,
			Fourcc: shmFourcc(format),
		})
		if s.managerVersion < 3 {
			s.emit(s.offer)
		}
	case evFrameLinuxDMABuf:
		fourcc, w, h := types.Fourcc(args.Uint32()), args.Int32(), args.Int32()
		if s.dmabuf == 0 {
			break
		}
		s.offer.Width, s.offer.Height = w, h
		s.offer.Candidates = append(s.offer.Candidates, types.FormatCandidate{
			Memory:    types.MemoryDMABuf,
			Fourcc:    fourcc,
			Modifiers: s.modifiers[fourcc],
		})
	case evFrameBufferDone:
		s.emit(s.offer)
	case evFrameFlags:
		flags := args.Uint32()
		s.emit(capture.EventFlags{YInvert: flags&frameFlagYInvert != 0})
	case evFrameDamage:
		x, y, w, h := args.Uint32(), args.Uint32(), args.Uint32(), args.Uint32()
		s.emit(capture.EventDamage{Rect: types.NewRect(int32(x), int32(y), int32(w), int32(h))})
	case evFrameReady:
		secHi, secLo, nsec := args.Uint32(), args.Uint32(), args.Uint32()
		sec := uint64(secHi)<<32 | uint64(secLo)
		s.emit(capture.EventReady{Timestamp: time.Duration(sec)*time.Second + time.Duration(nsec)})
		s.destroyFrame(ctx)
	case evFrameFailed:
		s.emit(capture.EventFailed{Reason: capture.FailureReasonGeneric})
		s.destroyFrame(ctx)
	}
	return args.Err()
}

func (s *ScreencopySource) emit(ev capture.Event) {
	s.pending = append(s.pending, ev)
}

func (s *ScreencopySource) destroyFrame(ctx context.Context) {
	if s.frame == 0 {
		return
	}
	if err := s.client.Send(ctx, NewRequest(s.frame, opFrameDestroy)); err != nil {
		logger.Debugf(ctx, "unable to destroy the frame object %d: %v", s.frame, err)
	}
	s.frame = 0
}

// Copy asks the compositor to copy the frame into buf.
func (s *ScreencopySource) Copy(
	ctx context.Context,
	buf bufferpool.Buffer,
	withDamage bool,
) error {
	if s.frame == 0 {
		return fmt.Errorf("no capture is requested")
	}
	b, err := s.wlBuffer(ctx, buf)
	if err != nil {
		if errors.Is(err, errBufferRejected) {
			logger.Debugf(ctx, "the compositor rejected %s", buf.Descriptor())
			s.emit(capture.EventFailed{Reason: capture.FailureReasonFormatRejected})
			s.destroyFrame(ctx)
			return nil
		}
		return err
	}
	opcode := uint16(opFrameCopy)
	if withDamage && s.managerVersion >= 2 {
		opcode = opFrameCopyWithDamage
	}
	if err := s.client.Send(ctx, NewRequest(s.frame, opcode).Object(b.ID)); err != nil {
		return fmt.Errorf("unable to request a copy: %w", err)
	}
	return nil
}

// ReleaseCapture destroys the current frame object; it does nothing if
// there is none.
func (s *ScreencopySource) ReleaseCapture(ctx context.Context) error {
	s.destroyFrame(ctx)
	return nil
}

// PollEvents returns the capture events, waiting for at most timeout if
// there are none yet.
func (s *ScreencopySource) PollEvents(
	ctx context.Context,
	timeout time.Duration,
) ([]capture.Event, error) {
	if len(s.pending) == 0 {
		if err := s.client.Dispatch(ctx, timeout); err != nil {
			return nil, pkgerrors.Wrap(err, "unable to dispatch the compositor events")
		}
	}
	events := s.pending
	s.pending = nil
	return events, nil
}

func (s *ScreencopySource) Close(ctx context.Context) error {
	var mErr *multierror.Error
	s.destroyFrame(ctx)
	for key, b := range s.buffers {
		if err := b.destroy(ctx, s.client); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		delete(s.buffers, key)
	}
	if s.dmabuf != 0 {
		if err := s.client.Send(ctx, NewRequest(s.dmabuf, opDMABufDestroy)); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := s.client.Send(ctx, NewRequest(s.manager, opScreencopyDestroy)); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	return mErr.ErrorOrNil()
}
