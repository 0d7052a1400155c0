package cortex

import (
	"reflect"
	"testing"
)

func TestIsSilence(t *testing.T) {
	cases := map[string]bool{
		"":                 true,
		"   \n":            true,
		"NO_REPLY":         true,
		"HEARTBEAT_OK":     true,
		"  NO_REPLY  ":     true,
		"hello":            false,
		"NO_REPLY please":  false,
		"ok, HEARTBEAT_OK": false,
	}
	for text, want := range cases {
		if got := IsSilence(text); got != want {
			t.Errorf("IsSilence(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestParseDirectives(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		content  string
		channels []string
	}{
		{"none", "just text", "just text", nil},
		{"single", "[[send_to:telegram]]hello", "hello", []string{"telegram"}},
		{"multiple", "[[send_to:a]][[send_to:b]]fan out", "fan out", []string{"a", "b"}},
		{"inline", "before [[send_to:slack]] after", "before  after", []string{"slack"}},
		{"duplicate", "[[send_to:a]][[send_to:a]]x", "x", []string{"a"}},
		{"unterminated", "[[send_to:a hello", "[[send_to:a hello", nil},
		{"empty name", "[[send_to:]]x", "x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, channels := ParseDirectives(tt.in)
			if content != tt.content {
				t.Errorf("content = %q, want %q", content, tt.content)
			}
			if !reflect.DeepEqual(channels, tt.channels) {
				t.Errorf("channels = %v, want %v", channels, tt.channels)
			}
		})
	}
}

func TestBuildTargetsDefaultChannel(t *testing.T) {
	env := &Envelope{ID: "e1", Channel: "telegram"}
	targets := BuildTargets(env, "hi there")
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].Channel != "telegram" || targets[0].Content != "hi there" {
		t.Errorf("unexpected target %+v", targets[0])
	}
}

func TestBuildTargetsReplyContextOverridesChannel(t *testing.T) {
	env := &Envelope{
		ID:           "e1",
		Channel:      ChannelRouter,
		ReplyContext: &ReplyContext{Channel: "telegram", MessageID: "m42"},
	}
	targets := BuildTargets(env, "result is ready")
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].Channel != "telegram" {
		t.Errorf("channel = %q, want telegram", targets[0].Channel)
	}
	if targets[0].ReplyTo != "m42" {
		t.Errorf("reply_to = %q, want m42", targets[0].ReplyTo)
	}
}

func TestBuildTargetsDirectivesRewriteTargets(t *testing.T) {
	env := &Envelope{ID: "e1", Channel: "telegram"}
	targets := BuildTargets(env, "[[send_to:slack]][[send_to:discord]]broadcast")
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[0].Channel != "slack" || targets[1].Channel != "discord" {
		t.Errorf("unexpected targets %+v", targets)
	}
	for _, tgt := range targets {
		if tgt.Content != "broadcast" {
			t.Errorf("content = %q, want broadcast", tgt.Content)
		}
	}
}

func TestBuildTargetsSilenceProducesNothing(t *testing.T) {
	env := &Envelope{ID: "e1", Channel: "telegram"}
	for _, text := range []string{"", "NO_REPLY", "HEARTBEAT_OK", "[[send_to:a]]"} {
		if targets := BuildTargets(env, text); targets != nil {
			t.Errorf("BuildTargets(%q) = %v, want nil", text, targets)
		}
	}
}

func TestBuildTargetsReplyToOnlyOnOriginChannel(t *testing.T) {
	env := &Envelope{
		ID:           "e1",
		Channel:      "telegram",
		ReplyContext: &ReplyContext{Channel: "telegram", MessageID: "m7"},
	}
	targets := BuildTargets(env, "[[send_to:telegram]][[send_to:slack]]hi")
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	for _, tgt := range targets {
		if tgt.Channel == "telegram" && tgt.ReplyTo != "m7" {
			t.Errorf("telegram target lost reply_to: %+v", tgt)
		}
		if tgt.Channel == "slack" && tgt.ReplyTo != "" {
			t.Errorf("slack target should not thread a reply: %+v", tgt)
		}
	}
}
