// media/types.go
package media

import (
	"path/filepath"
	"strings"
)

type AssetType string

const (
	AssetTypeUpload    AssetType = "upload"
	AssetTypeThumbnail AssetType = "thumbnail"
	AssetTypeResult    AssetType = "result"
	AssetTypeUnknown   AssetType = "unknown"
)

const (
	MimeJPEG = "image/jpeg"
	MimeHEIC = "image/heic"
)

// RawFile is a user-supplied file. The pipeline never mutates it; conversions
// produce a new RawFile.
type RawFile struct {
	Name     string
	MimeType string
	Data     []byte
}

func (f RawFile) Size() int64 {
	return int64(len(f.Data))
}

func (f RawFile) Ext() string {
	return strings.ToLower(filepath.Ext(f.Name))
}

// NormalizedImage is an upright raster plus its data URL encoding.
type NormalizedImage struct {
	Width   int
	Height  int
	DataURL string
	// Orientation is the tag that was applied to produce this image
	Orientation Orientation
}

// Orientation is an EXIF orientation tag, 1-8.
type Orientation int

const (
	OrientationNormal      Orientation = 1
	OrientationFlipH       Orientation = 2
	OrientationRotate180   Orientation = 3
	OrientationFlipV       Orientation = 4
	OrientationTranspose   Orientation = 5
	OrientationRotate90CW  Orientation = 6
	OrientationTransverse  Orientation = 7
	OrientationRotate90CCW Orientation = 8
)

// Valid reports whether o is one of the eight EXIF orientations.
func (o Orientation) Valid() bool {
	return o >= OrientationNormal && o <= OrientationRotate90CCW
}

// SwapsDimensions reports whether applying o exchanges width and height.
func (o Orientation) SwapsDimensions() bool {
	return o >= OrientationTranspose && o <= OrientationRotate90CCW
}

func (o Orientation) normalize() Orientation {
	if !o.Valid() {
		return OrientationNormal
	}
	return o
}
