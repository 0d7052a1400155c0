package cortex

import "strings"

// Response directive markers. [[send_to:<channel>]] is repeatable; at least
// one makes the text fan out to each named channel instead of the default.
const (
	directiveOpen  = "[[send_to:"
	directiveClose = "]]"
)

// IsSilence reports whether the model's text is a whole-message silence
// sentinel. Silent turns produce no outbound send and a [silence] record.
func IsSilence(text string) bool {
	t := strings.TrimSpace(text)
	return t == "" || t == SentinelNoReply || t == SentinelHeartbeatOK
}

// ParseDirectives strips every [[send_to:...]] directive from text and
// returns the cleaned content plus the named channels, in order of first
// appearance. Duplicate channel names collapse.
func ParseDirectives(text string) (content string, channels []string) {
	var b strings.Builder
	seen := make(map[string]bool)
	rest := text
	for {
		i := strings.Index(rest, directiveOpen)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		j := strings.Index(rest[i+len(directiveOpen):], directiveClose)
		if j < 0 {
			// Unterminated directive: treat the remainder as content.
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		name := strings.TrimSpace(rest[i+len(directiveOpen) : i+len(directiveOpen)+j])
		if name != "" && !seen[name] {
			seen[name] = true
			channels = append(channels, name)
		}
		rest = rest[i+len(directiveOpen)+j+len(directiveClose):]
	}
	return strings.TrimSpace(b.String()), channels
}

// BuildTargets converts the model's text portion into outbound targets for
// one envelope. Routing rules:
//   - default target is the envelope's reply-context channel if present,
//     else the envelope's channel;
//   - embedded [[send_to:...]] directives rewrite the target set.
//
// Silence sentinels produce no targets.
func BuildTargets(env *Envelope, text string) []OutputTarget {
	if IsSilence(text) {
		return nil
	}
	content, channels := ParseDirectives(text)
	if content == "" {
		return nil
	}
	replyTo := ""
	defaultChannel := env.Channel
	if env.ReplyContext != nil && env.ReplyContext.Channel != "" {
		defaultChannel = env.ReplyContext.Channel
		replyTo = env.ReplyContext.MessageID
	}
	if len(channels) == 0 {
		return []OutputTarget{{Channel: defaultChannel, Content: content, ReplyTo: replyTo}}
	}
	targets := make([]OutputTarget, 0, len(channels))
	for _, ch := range channels {
		t := OutputTarget{Channel: ch, Content: content}
		if ch == defaultChannel {
			t.ReplyTo = replyTo
		}
		targets = append(targets, t)
	}
	return targets
}
