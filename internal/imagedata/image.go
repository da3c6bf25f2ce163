// Package imagedata turns the base64 payload of an upload into validated
// image bytes.
package imagedata

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrInvalidImage = errors.New("invalid image")

// Formats accepted by the extraction model. Formats without a stdlib decoder
// are checked by signature only.
var supported = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": false,
	"image/heic": false,
	"image/heif": false,
}

type Image struct {
	Data     []byte
	MimeType string
}

// Decode accepts raw base64 or a data URI ("data:image/png;base64,...").
// maxBytes <= 0 disables the size check.
func Decode(payload string, maxBytes int) (Image, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return Image{}, fmt.Errorf("%w: malformed data uri", ErrInvalidImage)
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return Image{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: not base64", ErrInvalidImage)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return Image{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidImage, len(data), maxBytes)
	}

	return FromBytes(data)
}

// FromBytes sniffs the format of data and checks that it is a readable image.
func FromBytes(data []byte) (Image, error) {
	mtype := mimetype.Detect(data)
	mime := strings.SplitN(mtype.String(), ";", 2)[0]

	decodable, ok := supported[mime]
	if !ok {
		return Image{}, fmt.Errorf("%w: unsupported format %s", ErrInvalidImage, mime)
	}
	if decodable {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		if cfg.Width == 0 || cfg.Height == 0 {
			return Image{}, fmt.Errorf("%w: empty dimensions", ErrInvalidImage)
		}
	}

	return Image{Data: data, MimeType: mime}, nil
}

func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, payload)

	if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return data, nil
	}
	if data, err := base64.RawStdEncoding.DecodeString(payload); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(payload)
}
