package media

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeDataURL renders data as a base64 data URL tagged with mimeType.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a base64 data URL into its MIME type and payload.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(dataURL[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURL)
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return mimeType, data, nil
}

// DataURLPayload returns the base64 part of a data URL without decoding it.
func DataURLPayload(dataURL string) string {
	if _, payload, ok := strings.Cut(dataURL, ","); ok {
		return payload
	}
	return dataURL
}
