package cortex

import (
	"encoding/json"
	"strings"
)

// ExtractFactsPrompt is the system prompt the gardener sends to the
// extraction model. The model returns a JSON array of short fact strings.
const ExtractFactsPrompt = `You are a memory extraction system. Given a conversation fragment between a user and an assistant, extract small, atomic, factual statements worth remembering long-term.

Rules:
- Each fact is a single concise natural-language statement.
- Extract only information clearly stated or strongly implied.
- Skip pleasantries, acknowledgements, and general world knowledge.
- Return ONLY a JSON array of strings, no extra text.
- Return [] if nothing is worth remembering.

Example: ["The server IP is 10.0.0.1", "Weekly report is due on Fridays"]`

// ShouldExtract reports whether a transcript turn is worth running fact
// extraction on. Trivial acknowledgements are skipped outright.
func ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 || trimmed == SilenceMarker {
		return false
	}
	lower := strings.ToLower(trimmed)
	skip := []string{
		"ok", "okay", "thanks", "thank you", "thx", "ty",
		"yes", "no", "yep", "nope", "sure",
		"nice", "good", "great", "cool",
		"lol", "haha", "hmm", "hm", "oh", "ah",
	}
	for _, s := range skip {
		if lower == s {
			return false
		}
	}
	return true
}

// ParseExtractedFacts parses the extraction model's response into fact
// strings. It tolerates markdown code fences, surrounding prose, and the
// object form [{"fact": "..."}].
func ParseExtractedFacts(response string) []string {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "[")
	if start == -1 {
		return nil
	}
	end := strings.LastIndex(trimmed, "]")
	if end == -1 || end < start {
		return nil
	}
	raw := []byte(trimmed[start : end+1])

	var facts []string
	if err := json.Unmarshal(raw, &facts); err == nil {
		return compactFacts(facts)
	}

	var objs []struct {
		Fact string `json:"fact"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		facts = make([]string, 0, len(objs))
		for _, o := range objs {
			facts = append(facts, o.Fact)
		}
		return compactFacts(facts)
	}
	return nil
}

func compactFacts(facts []string) []string {
	out := facts[:0]
	for _, f := range facts {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
