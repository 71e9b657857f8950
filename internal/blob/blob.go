package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"nkowa/api/internal/util"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// Storage persists raw audio out-of-band and returns the URI that documents
// store in place of the payload.
type Storage interface {
	Upload(ctx context.Context, collection, id string, data []byte, contentType string) (string, error)
}

func IsDataURI(value string) bool {
	return strings.HasPrefix(value, "data:")
}

// DecodeDataURI parses "data:<type>[;base64],<payload>".
func DecodeDataURI(value string) ([]byte, string, error) {
	if !IsDataURI(value) {
		return nil, "", ErrInvalidDataURI
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
	if !ok {
		return nil, "", ErrInvalidDataURI
	}
	params := strings.Split(header, ";")
	contentType := params[0]
	if contentType == "" {
		contentType = "text/plain"
	}
	encoded := false
	for _, param := range params[1:] {
		if param == "base64" {
			encoded = true
		}
	}
	if !encoded {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		return []byte(decoded), contentType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	return data, contentType, nil
}

// ObjectKey names an uploaded object: <collection>/<id>/<random>.<ext>.
func ObjectKey(collection, id, contentType string) string {
	return fmt.Sprintf("%s/%s/%s.%s", collection, id, util.NewID(""), extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(contentType) {
	case "audio/webm":
		return "webm"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	}
	return "bin"
}
