//go:build with_libav
// +build with_libav

package libav

/*
#cgo pkg-config: libavutil
#include <libavutil/frame.h>
#include <libavutil/hwcontext.h>
#include <libavutil/hwcontext_drm.h>
#include <libavutil/pixfmt.h>

static AVFrame *screenrec_map_drm(AVFrame *src, int *ret) {
	AVFrame *dst = av_frame_alloc();
	if (dst == NULL) {
		*ret = AVERROR(ENOMEM);
		return NULL;
	}
	dst->format = AV_PIX_FMT_DRM_PRIME;
	*ret = av_hwframe_map(dst, src, AV_HWFRAME_MAP_READ | AV_HWFRAME_MAP_WRITE);
	if (*ret < 0) {
		av_frame_free(&dst);
		return NULL;
	}
	return dst;
}

static void screenrec_frame_free(AVFrame *f) {
	av_frame_free(&f);
}

static AVDRMFrameDescriptor *screenrec_drm_descriptor(AVFrame *f) {
	return (AVDRMFrameDescriptor *)f->data[0];
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/screenrec/bufferpool"
	"github.com/xaionaro-go/screenrec/types"
	"github.com/xaionaro-go/xsync"
)

const testSurfaceSize = 64

// VAAPIAllocator allocates VAAPI surfaces exported as dmabufs: the
// compositor writes into them and the hardware encoder reads them
// without a copy.
type VAAPIAllocator struct {
	device        *astiav.HardwareDeviceContext
	locker        xsync.Mutex
	modifiers     map[types.Fourcc]types.Modifier
	framesContext map[framesKey]*framesContext
}

var _ bufferpool.Allocator = (*VAAPIAllocator)(nil)

type framesKey struct {
	Fourcc types.Fourcc
	Width  int32
	Height int32
}

type framesContext struct {
	*astiav.HardwareFramesContext
	refs int
}

func NewVAAPIAllocator(
	ctx context.Context,
	driDevice string,
) (_ret *VAAPIAllocator, _err error) {
	logger.Debugf(ctx, "NewVAAPIAllocator('%s')", driDevice)
	defer func() { logger.Debugf(ctx, "/NewVAAPIAllocator('%s'): %v", driDevice, _err) }()

	device, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVAAPI, driDevice, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open the VAAPI device '%s': %w", driDevice, err)
	}
	return &VAAPIAllocator{
		device:        device,
		modifiers:     map[types.Fourcc]types.Modifier{},
		framesContext: map[framesKey]*framesContext{},
	}, nil
}

func (a *VAAPIAllocator) Device() *astiav.HardwareDeviceContext {
	return a.device
}

func (a *VAAPIAllocator) Memory() types.Memory {
	return types.MemoryDMABuf
}

// SupportsModifier reports if the surfaces of the format are laid out
// with the modifier. The driver picks the layout, so it is detected once
// per format.
func (a *VAAPIAllocator) SupportsModifier(fourcc types.Fourcc, modifier types.Modifier) bool {
	ctx := context.Background()
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() bool {
		detected, ok := a.modifiers[fourcc]
		if !ok {
			var err error
			detected, err = a.detectModifier(ctx, fourcc)
			if err != nil {
				logger.Debugf(ctx, "format %s is not usable with VAAPI: %v", fourcc, err)
				detected = types.ModifierInvalid
			}
			a.modifiers[fourcc] = detected
		}
		return detected != types.ModifierInvalid && detected == modifier
	})
}

func (a *VAAPIAllocator) detectModifier(
	ctx context.Context,
	fourcc types.Fourcc,
) (types.Modifier, error) {
	buf, err := a.allocate(ctx, types.BufferDescriptor{
		Memory: types.MemoryDMABuf,
		Fourcc: fourcc,
		Width:  testSurfaceSize,
		Height: testSurfaceSize,
	})
	if err != nil {
		return types.ModifierInvalid, err
	}
	defer buf.release()
	return buf.desc.Modifier, nil
}

func (a *VAAPIAllocator) Allocate(
	ctx context.Context,
	desc types.BufferDescriptor,
) (bufferpool.Buffer, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &a.locker, func() (bufferpool.Buffer, error) {
		buf, err := a.allocate(ctx, desc)
		if err != nil {
			return nil, err
		}
		if buf.desc.Modifier != desc.Modifier {
			buf.release()
			return nil, fmt.Errorf("the surface has modifier %s instead of %s", buf.desc.Modifier, desc.Modifier)
		}
		return buf, nil
	})
}

func (a *VAAPIAllocator) allocate(
	ctx context.Context,
	desc types.BufferDescriptor,
) (_ret *vaapiBuffer, _err error) {
	logger.Tracef(ctx, "allocate(%s)", desc)
	defer func() { logger.Tracef(ctx, "/allocate(%s): %v", desc, _err) }()

	key := framesKey{Fourcc: desc.Fourcc, Width: desc.Width, Height: desc.Height}
	fc, err := a.getFramesContext(key)
	if err != nil {
		return nil, err
	}

	buf := &vaapiBuffer{allocator: a, key: key, framesContext: fc}
	fc.refs++
	defer func() {
		if _err != nil {
			buf.release()
		}
	}()

	buf.frame = astiav.AllocFrame()
	if err := buf.frame.AllocHardwareBuffer(fc.HardwareFramesContext); err != nil {
		return nil, fmt.Errorf("unable to allocate a VAAPI surface: %w", err)
	}

	var ret C.int
	buf.drm = C.screenrec_map_drm((*C.AVFrame)(buf.frame.UnsafePointer()), &ret)
	if buf.drm == nil {
		return nil, fmt.Errorf("unable to export the VAAPI surface as a dmabuf: %w", astiav.Error(ret))
	}

	drm := C.screenrec_drm_descriptor(buf.drm)
	if drm.nb_layers != 1 {
		return nil, fmt.Errorf("expected a single layer, got %d", drm.nb_layers)
	}
	layer := drm.layers[0]
	if types.Fourcc(layer.format) != desc.Fourcc {
		return nil, fmt.Errorf("the surface is %s instead of %s", types.Fourcc(layer.format), desc.Fourcc)
	}
	buf.desc = types.BufferDescriptor{
		Memory:   types.MemoryDMABuf,
		Fourcc:   desc.Fourcc,
		Modifier: types.Modifier(drm.objects[0].format_modifier),
		Width:    desc.Width,
		Height:   desc.Height,
	}
	for idx := 0; idx < int(layer.nb_planes); idx++ {
		plane := layer.planes[idx]
		obj := drm.objects[plane.object_index]
		if types.Modifier(obj.format_modifier) != buf.desc.Modifier {
			return nil, fmt.Errorf("the planes have different modifiers")
		}
		buf.desc.Planes = append(buf.desc.Planes, types.PlaneLayout{
			Offset: uint32(plane.offset),
			Stride: uint32(plane.pitch),
		})
		buf.fds = append(buf.fds, int(obj.fd))
	}
	return buf, nil
}

func (a *VAAPIAllocator) getFramesContext(key framesKey) (*framesContext, error) {
	if fc, ok := a.framesContext[key]; ok {
		return fc, nil
	}

	swFormat, err := pixelFormat(key.Fourcc)
	if err != nil {
		return nil, err
	}
	hfc := astiav.AllocHardwareFramesContext(a.device)
	if hfc == nil {
		return nil, fmt.Errorf("unable to allocate a VAAPI frames context")
	}
	hfc.SetHardwarePixelFormat(astiav.PixelFormatVaapi)
	hfc.SetSoftwarePixelFormat(swFormat)
	hfc.SetWidth(int(key.Width))
	hfc.SetHeight(int(key.Height))
	if err := hfc.Initialize(); err != nil {
		hfc.Free()
		return nil, fmt.Errorf("unable to initialize the VAAPI frames context for %s %dx%d: %w", key.Fourcc, key.Width, key.Height, err)
	}
	fc := &framesContext{HardwareFramesContext: hfc}
	a.framesContext[key] = fc
	return fc, nil
}

func (a *VAAPIAllocator) Close() error {
	ctx := context.Background()
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &a.locker, func() error {
		var mErr *multierror.Error
		for key, fc := range a.framesContext {
			if fc.refs > 0 {
				mErr = multierror.Append(mErr, fmt.Errorf("%d surfaces of %s %dx%d are still allocated", fc.refs, key.Fourcc, key.Width, key.Height))
				continue
			}
			fc.Free()
			delete(a.framesContext, key)
		}
		if len(a.framesContext) == 0 && a.device != nil {
			a.device.Free()
			a.device = nil
		}
		return mErr.ErrorOrNil()
	})
}

// vaapiBuffer is a VAAPI surface plus its dmabuf export.
type vaapiBuffer struct {
	allocator     *VAAPIAllocator
	key           framesKey
	framesContext *framesContext
	frame         *astiav.Frame
	drm           *C.AVFrame
	desc          types.BufferDescriptor
	fds           []int
	closeOnce     sync.Once
}

var _ bufferpool.DMABuffer = (*vaapiBuffer)(nil)

func (b *vaapiBuffer) Descriptor() types.BufferDescriptor {
	return b.desc
}

// PlaneFDs are owned by the buffer and stay open until Close.
func (b *vaapiBuffer) PlaneFDs() []int {
	return b.fds
}

// HardwareFrame is the surface as seen by libav.
func (b *vaapiBuffer) HardwareFrame() *astiav.Frame {
	return b.frame
}

func (b *vaapiBuffer) HardwareFramesContext() *astiav.HardwareFramesContext {
	return b.framesContext.HardwareFramesContext
}

func (b *vaapiBuffer) Close() error {
	ctx := context.Background()
	b.closeOnce.Do(func() {
		b.allocator.locker.Do(xsync.WithNoLogging(ctx, true), b.release)
	})
	return nil
}

func (b *vaapiBuffer) release() {
	if b.drm != nil {
		C.screenrec_frame_free(b.drm)
		b.drm = nil
	}
	if b.frame != nil {
		b.frame.Free()
		b.frame = nil
	}
	b.fds = nil
	b.framesContext.refs--
	if b.framesContext.refs == 0 {
		b.framesContext.Free()
		delete(b.allocator.framesContext, b.key)
	}
}

// HardwareBuffer is implemented by the buffers the hardware encoder can
// read directly.
type HardwareBuffer interface {
	bufferpool.Buffer
	HardwareFrame() *astiav.Frame
	HardwareFramesContext() *astiav.HardwareFramesContext
}

var _ HardwareBuffer = (*vaapiBuffer)(nil)
