package libav

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/screenrec"
	"github.com/xaionaro-go/screenrec/encoder"
	"github.com/xaionaro-go/screenrec/muxer"
)

// Factory creates the video encoder backends.
type Factory struct {
	// Allocator is the VAAPI device the captured surfaces live on; nil
	// if there is no usable GPU.
	Allocator *VAAPIAllocator

	// GlobalHeader is set if the container wants the codec headers
	// out of band (see NeedsGlobalHeader).
	GlobalHeader bool
}

var _ encoder.BackendFactory = (*Factory)(nil)

func NewFactory(allocator *VAAPIAllocator, globalHeader bool) *Factory {
	return &Factory{
		Allocator:    allocator,
		GlobalHeader: globalHeader,
	}
}

func (f *Factory) NewBackend(
	ctx context.Context,
	params encoder.Params,
) (_ret encoder.Backend, _err error) {
	logger.Debugf(ctx, "NewBackend(%s)", params)
	defer func() { logger.Debugf(ctx, "/NewBackend(%s): %v", params, _err) }()

	switch params.Variant {
	case encoder.VariantHardware:
		if f.Allocator == nil {
			return nil, fmt.Errorf("hardware encoding requires a VAAPI device")
		}
		return newHardwareBackend(ctx, params, f.Allocator, f.GlobalHeader)
	case encoder.VariantSoftware:
		return newSoftwareBackend(ctx, params, f.GlobalHeader)
	}
	return nil, fmt.Errorf("unexpected encoder variant %s", params.Variant)
}

// Opener opens the output file when the muxer knows all its streams.
type Opener struct {
	Path   string
	Format string
	Items  DictionaryItems
}

var _ muxer.Opener = (*Opener)(nil)

// NewOpener returns an opener of path; format overrides the container
// format guessed from the file name. DictionaryItem(s) found in options
// are passed to the muxer.
func NewOpener(path, format string, options screenrec.CustomOptions) *Opener {
	return &Opener{
		Path:   path,
		Format: format,
		Items:  dictionaryItems(options),
	}
}
