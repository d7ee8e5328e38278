// Package wire encodes the relay protocol: one JSON object per text frame,
// externally tagged by variant name.
//
//	{"SetClientId": "id"}
//	{"CallRequest": "id"}
//	{"CallRequestFailure": null}
//	{"CallAnswer": [true, "base64 sdp"]}
//	{"CallReply": "base64 sdp"}
//	{"Hangup": null}
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

const (
	TagSetClientID        = "SetClientId"
	TagCallRequest        = "CallRequest"
	TagCallRequestFailure = "CallRequestFailure"
	TagCallAnswer         = "CallAnswer"
	TagCallReply          = "CallReply"
	TagHangup             = "Hangup"
)

var ErrMalformed = errors.New("malformed relay message")

func Encode(cmd core.SignalCommand) ([]byte, error) {
	var v map[string]any
	switch c := cmd.(type) {
	case core.SignalSetClientID:
		v = map[string]any{TagSetClientID: c.ID}
	case core.SignalCallRequest:
		v = map[string]any{TagCallRequest: c.Remote}
	case core.SignalCallRequestFailure:
		v = map[string]any{TagCallRequestFailure: nil}
	case core.SignalCallAnswer:
		v = map[string]any{TagCallAnswer: []any{c.Accepted, c.SDP}}
	case core.SignalCallReply:
		v = map[string]any{TagCallReply: c.SDP}
	case core.SignalHangup:
		v = map[string]any{TagHangup: nil}
	default:
		return nil, fmt.Errorf("encode %T: unknown signal", cmd)
	}
	return json.Marshal(v)
}

// Decode parses one frame. Unit variants are also accepted as a bare string.
func Decode(data []byte) (core.SignalCommand, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch tag {
		case TagCallRequestFailure:
			return core.SignalCallRequestFailure{}, nil
		case TagHangup:
			return core.SignalHangup{}, nil
		default:
			return nil, fmt.Errorf("%w: unknown unit variant %q", ErrMalformed, tag)
		}
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env) != 1 {
		return nil, fmt.Errorf("%w: want exactly one variant, got %d", ErrMalformed, len(env))
	}
	for tag, body := range env {
		return decodeVariant(tag, body)
	}
	panic("unreachable")
}

func decodeVariant(tag string, body json.RawMessage) (core.SignalCommand, error) {
	switch tag {
	case TagSetClientID:
		id, err := decodeID(tag, body)
		if err != nil {
			return nil, err
		}
		return core.SignalSetClientID{ID: id}, nil
	case TagCallRequest:
		id, err := decodeID(tag, body)
		if err != nil {
			return nil, err
		}
		return core.SignalCallRequest{Remote: id}, nil
	case TagCallRequestFailure:
		return core.SignalCallRequestFailure{}, nil
	case TagHangup:
		return core.SignalHangup{}, nil
	case TagCallAnswer:
		var tuple []json.RawMessage
		if err := json.Unmarshal(body, &tuple); err != nil || len(tuple) != 2 {
			return nil, fmt.Errorf("%w: %s wants [bool, sdp|null]", ErrMalformed, tag)
		}
		var answer core.SignalCallAnswer
		if err := json.Unmarshal(tuple[0], &answer.Accepted); err != nil {
			return nil, fmt.Errorf("%w: %s accepted flag: %v", ErrMalformed, tag, err)
		}
		if !bytes.Equal(bytes.TrimSpace(tuple[1]), []byte("null")) {
			var sdp domain.SDP
			if err := json.Unmarshal(tuple[1], &sdp); err != nil {
				return nil, fmt.Errorf("%w: %s descriptor: %v", ErrMalformed, tag, err)
			}
			answer.SDP = &sdp
		}
		return answer, nil
	case TagCallReply:
		var sdp domain.SDP
		if err := json.Unmarshal(body, &sdp); err != nil || sdp == "" {
			return nil, fmt.Errorf("%w: %s wants a descriptor", ErrMalformed, tag)
		}
		return core.SignalCallReply{SDP: sdp}, nil
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrMalformed, tag)
	}
}

func decodeID(tag string, body json.RawMessage) (domain.UserID, error) {
	var raw string
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("%w: %s wants a user id: %v", ErrMalformed, tag, err)
	}
	id, err := domain.ParseUserID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	return id, nil
}
