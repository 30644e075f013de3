package screenrec

import (
	"errors"
)

var (
	// ErrProtocolUnsupported: the compositor lacks a required protocol or version.
	ErrProtocolUnsupported = errors.New("the compositor does not support a required protocol")

	// ErrFormatNegotiationFailed: no buffer format supported by both the compositor and us.
	ErrFormatNegotiationFailed = errors.New("unable to negotiate a buffer format with the compositor")

	// ErrCaptureFailure: the compositor failed or cancelled captures more times than allowed.
	ErrCaptureFailure = errors.New("the capture failed")

	// ErrEncoderInit: an encoder could not be initialized.
	ErrEncoderInit = errors.New("unable to initialize the encoder")

	// ErrMuxerWrite: writing the container failed.
	ErrMuxerWrite = errors.New("unable to write the output container")
)
