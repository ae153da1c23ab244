package common

import (
	"encoding/base64"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

// EncodePageToken wraps a store paging state as an opaque URL-safe token.
// An empty state yields an empty token, meaning there are no more pages.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. An empty token is the first page.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.Validation("invalid page token")
	}
	return state, nil
}
