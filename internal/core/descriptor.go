package core

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dkeye/Chaos/internal/domain"
)

// EncodeSDP wraps a raw session description for the relay.
func EncodeSDP(raw string) domain.SDP {
	return domain.SDP(base64.StdEncoding.EncodeToString([]byte(raw)))
}

// DecodeSDP unwraps a descriptor received from the relay.
func DecodeSDP(sdp domain.SDP) (string, error) {
	b, err := base64.StdEncoding.DecodeString(string(sdp))
	if err != nil {
		return "", fmt.Errorf("decode sdp: %w", err)
	}
	if !utf8.Valid(b) {
		return "", errors.New("decode sdp: not utf-8")
	}
	return string(b), nil
}
