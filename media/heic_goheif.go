package media

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"
)

// goheifCapability decodes HEIC through libde265 bindings.
type goheifCapability struct{}

// LoadGoheif is the default CapabilityLoader.
func LoadGoheif() (ConversionCapability, error) {
	return goheifCapability{}, nil
}

func (goheifCapability) ConvertToJPEG(ctx context.Context, data []byte, quality int) (out []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// the decoder panics on some malformed containers
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("heic decoder panic: %v", r)
		}
	}()

	img, err := goheif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode heic: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEIFContainer sniffs the ISO-BMFF ftyp box used by HEIC/HEIF files.
func isHEIFContainer(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "heim", "heis", "mif1", "msf1":
		return true
	}
	return false
}

func heifExifBlob(data []byte) (blob []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			blob, err = nil, fmt.Errorf("heif exif extraction panic: %v", r)
		}
	}()
	return goheif.ExtractExif(bytes.NewReader(data))
}
