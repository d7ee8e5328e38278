package wire

import (
	"errors"
	"testing"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

func TestEncodeMatchesRelayFormat(t *testing.T) {
	sdp := domain.SDP("b2ZmZXI=")
	tests := []struct {
		cmd  core.SignalCommand
		want string
	}{
		{core.SignalSetClientID{ID: "abc"}, `{"SetClientId":"abc"}`},
		{core.SignalCallRequest{Remote: "bob"}, `{"CallRequest":"bob"}`},
		{core.SignalCallRequestFailure{}, `{"CallRequestFailure":null}`},
		{core.SignalCallAnswer{Accepted: false}, `{"CallAnswer":[false,null]}`},
		{core.SignalCallAnswer{Accepted: true, SDP: &sdp}, `{"CallAnswer":[true,"b2ZmZXI="]}`},
		{core.SignalCallReply{SDP: sdp}, `{"CallReply":"b2ZmZXI="}`},
		{core.SignalHangup{}, `{"Hangup":null}`},
	}
	for _, tt := range tests {
		got, err := Encode(tt.cmd)
		if err != nil {
			t.Fatalf("encode %T: %v", tt.cmd, err)
		}
		if string(got) != tt.want {
			t.Errorf("encode %T = %s, want %s", tt.cmd, got, tt.want)
		}
	}
}

func TestDecodeAnswerVariants(t *testing.T) {
	cmd, err := Decode([]byte(`{"CallAnswer": [true, "c2Rw"]}`))
	if err != nil {
		t.Fatal(err)
	}
	answer := cmd.(core.SignalCallAnswer)
	if !answer.Accepted || answer.SDP == nil || *answer.SDP != "c2Rw" {
		t.Fatalf("decoded %#v", answer)
	}

	cmd, err = Decode([]byte(`{"CallAnswer":[false,null]}`))
	if err != nil {
		t.Fatal(err)
	}
	if answer := cmd.(core.SignalCallAnswer); answer.Accepted || answer.SDP != nil {
		t.Fatalf("decoded %#v", answer)
	}
}

func TestDecodeUnitVariants(t *testing.T) {
	for _, in := range []string{`{"CallRequestFailure":null}`, `"CallRequestFailure"`} {
		cmd, err := Decode([]byte(in))
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if _, ok := cmd.(core.SignalCallRequestFailure); !ok {
			t.Fatalf("%s decoded to %#v", in, cmd)
		}
	}
	cmd, err := Decode([]byte(` "Hangup" `))
	if err != nil || cmd != (core.SignalHangup{}) {
		t.Fatalf("bare Hangup = %#v, %v", cmd, err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`not json`,
		`{}`,
		`{"CallRequest":"a","CallReply":"b"}`,
		`{"CallRequest":42}`,
		`{"CallRequest":""}`,
		`{"CallAnswer":true}`,
		`{"CallAnswer":[true]}`,
		`{"CallAnswer":["yes",null]}`,
		`{"CallReply":null}`,
		`{"Dance":null}`,
		`"Dance"`,
	} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Errorf("decode %q = %v, want ErrMalformed", in, err)
		}
	}
}
