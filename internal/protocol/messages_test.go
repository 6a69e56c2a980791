package protocol

import "testing"

func TestTurnSubject(t *testing.T) {
	got := TurnSubject("", "abc", "turn.completed")
	if got != "voicechat.sessions.abc.turn.completed" {
		t.Fatalf("unexpected subject %s", got)
	}
	got = TurnSubject("dev", "a.b*c", "turn.started")
	if got != "dev.sessions.a_b_c.turn.started" {
		t.Fatalf("unsafe session id not sanitised: %s", got)
	}
	if AllTurnsSubject("dev") != "dev.sessions.>" {
		t.Fatalf("unexpected wildcard %s", AllTurnsSubject("dev"))
	}
}

func TestInputSubject(t *testing.T) {
	subject := InputSubject("", "abc")
	if subject != "voicechat.input.abc" {
		t.Fatalf("unexpected subject %s", subject)
	}
	if got := SessionFromInputSubject(subject); got != "abc" {
		t.Fatalf("unexpected session %s", got)
	}
	if InputSubject("dev", "*") != "dev.input._" {
		t.Fatalf("wildcard session id not sanitised: %s", InputSubject("dev", "*"))
	}
}
