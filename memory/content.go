package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// Content hygiene. Raw conversation dumps arrive full of JSON envelopes,
// HTML fragments, emoji and escape noise; the cleaned form is what gets
// hashed for dedup, embedded and matched during repair.

var (
	jsonLikeRes = []*regexp.Regexp{
		regexp.MustCompile(`\{\s*".*"\s*:\s*`),
		regexp.MustCompile(`\[\s*\{`),
		regexp.MustCompile(`"response_content"`),
		regexp.MustCompile(`"timestamp"`),
	}
	htmlLikeRes = []*regexp.Regexp{
		regexp.MustCompile(`<\s*/?\w+[^>]*>`),
		regexp.MustCompile(`<a\s+href=`),
		regexp.MustCompile(`<script\b`),
		regexp.MustCompile(`<div\b`),
		regexp.MustCompile(`<p\b`),
	}
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
	punctRunRe      = regexp.MustCompile(`[^\p{L}\p{N}_\s.,;:\-'"@#%()?/\\]+`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	ansiEscapeRe    = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")
	emojiRangeTable = []struct{ lo, hi rune }{
		{0x1F300, 0x1F6FF},
		{0x1F900, 0x1F9FF},
		{0x1F1E0, 0x1F1FF},
		{0x2702, 0x27B0},
		{0x24C2, 0x24C2},
	}
)

var technicalKeywords = []string{
	"error", "exception", "traceback", "sudo", "apt-get", "npm", "pip",
	"docker", "cargo", "journal", "systemd", "kernel", "trace", "failed",
	"stacktrace",
}

// IsJSONLike reports whether text looks like a raw JSON dump.
func IsJSONLike(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range jsonLikeRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsHTMLLike reports whether text looks like markup.
func IsHTMLLike(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range htmlLikeRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// HasTechnicalSignal reports whether text carries terminal or tooling
// output worth keeping even when it trips the JSON/HTML noise checks.
func HasTechnicalSignal(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return ansiEscapeRe.MatchString(text)
}

// extractTextFromJSON pulls the first text-like field out of a JSON dump so
// the semantic payload survives cleaning. Non-JSON input passes through.
func extractTextFromJSON(content string) string {
	var obj any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return content
	}
	switch v := obj.(type) {
	case map[string]any:
		for _, k := range []string{"response_content", "content", "text", "message", "response"} {
			if s, ok := v[k].(string); ok && s != "" {
				return s
			}
		}
		var parts []string
		for _, val := range v {
			if s, ok := val.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	case []any:
		var parts []string
		for _, el := range v {
			switch e := el.(type) {
			case string:
				parts = append(parts, e)
			case map[string]any:
				for _, k := range []string{"response_content", "content", "text"} {
					if s, ok := e[k].(string); ok && s != "" {
						parts = append(parts, s)
						break
					}
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return content
}

func isEmoji(r rune) bool {
	for _, rg := range emojiRangeTable {
		if r >= rg.lo && r <= rg.hi {
			return true
		}
	}
	return false
}

func stripEmojis(text string) string {
	return strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, text)
}

// CleanContent normalizes raw content to its match text: JSON payloads are
// unwrapped, HTML tags stripped, entities unescaped, emoji dropped unless
// the content is technical, punctuation runs and whitespace collapsed.
func CleanContent(raw string, keepEmojis bool) string {
	if raw == "" {
		return ""
	}
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") || strings.Contains(t, `"response_content"`) {
		t = extractTextFromJSON(t)
	}
	t = htmlTagRe.ReplaceAllString(t, " ")
	t = html.UnescapeString(t)
	t = ansiEscapeRe.ReplaceAllString(t, " ")
	if !keepEmojis {
		t = stripEmojis(t)
	}
	t = punctRunRe.ReplaceAllString(t, " ")
	t = whitespaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// HashContent is the dedup key: sha256 over the cleaned content, so the
// same payload arriving with different envelope noise converges.
func HashContent(cleaned string) string {
	sum := sha256.Sum256([]byte(cleaned))
	return hex.EncodeToString(sum[:])
}
