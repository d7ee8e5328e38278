// Package domain holds the connection table and the values it is made of.
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

// UserID is assigned by the relay when a client registers.
type UserID string

// ParseUserID trims and validates an id typed by a user or read off the wire.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(id), nil
}

// SDP is a base64 encoded session description as it travels through the relay.
type SDP string
