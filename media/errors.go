package media

import "errors"

var (
	// ErrInvalidInput is the only hard failure of the ingest pipeline:
	// wrong MIME type or an oversized file.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDecodeFailure means the bytes could not be loaded into a raster.
	ErrDecodeFailure = errors.New("image decode failed")

	// ErrConversionUnavailable means HEIC conversion is disabled for the
	// remainder of the process.
	ErrConversionUnavailable = errors.New("heic conversion unavailable")

	ErrInvalidDataURL = errors.New("invalid data url")
)
