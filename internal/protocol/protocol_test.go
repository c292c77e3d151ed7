package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	desc := SessionDesc{Type: "offer", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1"}
	b, err := Encode(KindOffer, "alice", "bob", desc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Kind != KindOffer || env.From != "alice" || env.To != "bob" {
		t.Fatalf("envelope=%+v", env)
	}

	got, err := DecodePayload[SessionDesc](env)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got != desc {
		t.Fatalf("got=%+v want=%+v", got, desc)
	}
}

func TestEncode_RejectsMissingKind(t *testing.T) {
	t.Parallel()

	if _, err := Encode(0, "alice", "", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeEnvelope_Empty(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEnvelope(nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodePayload_Heartbeat(t *testing.T) {
	t.Parallel()

	hb := Heartbeat{SenderID: "p3", SentAt: time.Unix(1700000000, 0).UTC()}
	b, err := Encode(KindHeartbeat, "p3", "", hb)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	got, err := DecodePayload[Heartbeat](env)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.SenderID != hb.SenderID || !got.SentAt.Equal(hb.SentAt) {
		t.Fatalf("got=%+v want=%+v", got, hb)
	}
}

func TestGameMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	msg := GameMessage{Scope: ScopeSquad, SenderID: "p7", Sequence: 42, Payload: []byte{1, 2, 3}}
	b, err := EncodeGame(msg)
	if err != nil {
		t.Fatalf("EncodeGame: %v", err)
	}
	got, err := DecodeGame(b)
	if err != nil {
		t.Fatalf("DecodeGame: %v", err)
	}
	if got.Scope != msg.Scope || got.SenderID != msg.SenderID || got.Sequence != msg.Sequence {
		t.Fatalf("got=%+v", got)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload=%v", got.Payload)
	}
}

func TestDecodeGame_RejectsBadScope(t *testing.T) {
	t.Parallel()

	b, err := EncodeGame(GameMessage{Scope: ScopeGlobal, SenderID: "x", Sequence: 1})
	if err != nil {
		t.Fatalf("EncodeGame: %v", err)
	}
	if _, err := DecodeGame(b[:0]); err == nil {
		t.Fatalf("expected error for empty input")
	}
	if _, err := EncodeGame(GameMessage{SenderID: "x"}); err == nil {
		t.Fatalf("expected error for missing scope")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	type zone struct {
		CenterX float64 `msgpack:"x"`
		CenterY float64 `msgpack:"y"`
		Radius  float64 `msgpack:"r"`
	}
	type global struct {
		Phase      string   `msgpack:"phase"`
		ElapsedSec int      `msgpack:"elapsed"`
		Zone       zone     `msgpack:"zone"`
		Eliminated []int    `msgpack:"elim"`
		Objectives []string `msgpack:"obj"`
	}

	in := global{
		Phase:      "playing",
		ElapsedSec: 312,
		Zone:       zone{CenterX: 120.5, CenterY: -44.25, Radius: 800},
		Eliminated: []int{2, 5},
		Objectives: []string{"relay-a", "relay-b"},
	}
	packed, err := PackSnapshot(in)
	if err != nil {
		t.Fatalf("PackSnapshot: %v", err)
	}

	var out global
	if err := UnpackSnapshot(packed, &out); err != nil {
		t.Fatalf("UnpackSnapshot: %v", err)
	}
	if out.Phase != in.Phase || out.ElapsedSec != in.ElapsedSec || out.Zone != in.Zone {
		t.Fatalf("out=%+v", out)
	}
	if len(out.Eliminated) != 2 || out.Eliminated[1] != 5 {
		t.Fatalf("eliminated=%v", out.Eliminated)
	}
}

func TestKindString_Closed(t *testing.T) {
	t.Parallel()

	kinds := map[Kind]string{
		KindOffer:         "offer",
		KindAnswer:        "answer",
		KindCandidate:     "candidate",
		KindQualityReport: "quality_report",
		KindHeartbeat:     "heartbeat",
		KindState:         "state",
		KindEvent:         "event",
		KindSnapshot:      "snapshot",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Fatalf("kind %d = %q, want %q", k, k.String(), want)
		}
	}
	if Kind(200).String() != "unknown" {
		t.Fatalf("unknown kind not handled")
	}
}
