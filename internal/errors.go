// Package internal implements the RGB-D synchronizing multiplexer.
//
// This package is INTERNAL - clients MUST use the public API in the parent package.
// Reason: allows internal refactoring without breaking changes.
package internal

import "errors"

// Internal errors - re-exported by the rgbdmux package as the stable contract.
var (
	// ErrStructural covers invalid or duplicate channel names and malformed descriptors.
	ErrStructural = errors.New("rgbdmux: structural error")

	// ErrTiming covers non-finite framerates and cycles that cannot be synchronised.
	ErrTiming = errors.New("rgbdmux: timing error")

	// ErrResource is returned when a frameset being composed cannot be written.
	ErrResource = errors.New("rgbdmux: resource error")

	// ErrEndOfStream is returned when pushing into a channel that signalled EOS.
	ErrEndOfStream = errors.New("rgbdmux: end of stream")

	// ErrNotNegotiated means there is not enough data to negotiate yet, retry later.
	ErrNotNegotiated = errors.New("rgbdmux: not negotiated, no channels registered")

	// ErrUnknownChannel is returned for handles that are not (or no longer) registered.
	ErrUnknownChannel = errors.New("rgbdmux: unknown channel")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("rgbdmux: muxer already started")

	// ErrMuxerStopped is returned for operations on a stopped muxer.
	ErrMuxerStopped = errors.New("rgbdmux: muxer stopped")

	// ErrInvalidSettings is returned by settings validation.
	ErrInvalidSettings = errors.New("rgbdmux: invalid settings")
)
