package media

import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"path/filepath"
	"strings"
)

// raster formats recognised by extension when the declared MIME type is
// missing or generic
var rasterMimeByExtension = map[string]string{
	".jpg": MimeJPEG, ".jpeg": MimeJPEG, ".png": "image/png", ".gif": "image/gif",
	".bmp": "image/bmp", ".tif": "image/tiff", ".tiff": "image/tiff", ".webp": "image/webp",
}

// IsRasterImage checks if the filename has a common raster image extension
func IsRasterImage(filename string) bool {
	_, ok := rasterMimeByExtension[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// mimeByExtension maps a stored file name to its type. Upload formats do not
// depend on the host MIME database.
func mimeByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mimeType, ok := rasterMimeByExtension[ext]; ok {
		return mimeType
	}
	if ext == ".heic" || ext == ".heif" {
		return MimeHEIC
	}
	return mime.TypeByExtension(ext)
}

func genericMime(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "" || mimeType == "application/octet-stream"
}
