package common

import (
	"errors"
	"testing"

	apperrors "github.com/acme/voice-dispatch/pkg/errors"
)

func TestPageToken(t *testing.T) {
	if EncodePageToken(nil) != "" {
		t.Fatalf("empty state must give an empty token")
	}
	token := EncodePageToken([]byte{0xff, 0x00, 0x10})
	state, err := DecodePageToken(token)
	if err != nil || len(state) != 3 || state[0] != 0xff {
		t.Fatalf("unexpected state %v %v", state, err)
	}
	if state, err := DecodePageToken(""); err != nil || state != nil {
		t.Fatalf("empty token is the first page")
	}
	if _, err := DecodePageToken("!!!!"); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
