package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsJSONLike(t *testing.T) {
	assert.True(t, IsJSONLike(`{"response_content": "hi"}`))
	assert.True(t, IsJSONLike(`[{"a": 1}]`))
	assert.False(t, IsJSONLike("plain prose about nothing"))
	assert.False(t, IsJSONLike(""))
}

func TestIsHTMLLike(t *testing.T) {
	assert.True(t, IsHTMLLike(`<div class="x">hello</div>`))
	assert.True(t, IsHTMLLike(`click <a href="http://x">here</a>`))
	assert.False(t, IsHTMLLike("a < b and b > c is impossible"))
	assert.False(t, IsHTMLLike(""))
}

func TestHasTechnicalSignal(t *testing.T) {
	assert.True(t, HasTechnicalSignal("Traceback (most recent call last):"))
	assert.True(t, HasTechnicalSignal("sudo apt-get install curl"))
	assert.True(t, HasTechnicalSignal("\x1b[31mred\x1b[0m"))
	assert.False(t, HasTechnicalSignal("we talked about lunch plans"))
	assert.False(t, HasTechnicalSignal(""))
}

func TestCleanContentUnwrapsJSON(t *testing.T) {
	got := CleanContent(`{"response_content": "Alice joined the team", "timestamp": 123}`, false)
	assert.Equal(t, "Alice joined the team", got)

	// Arrays of message objects.
	got = CleanContent(`[{"content": "first part"}, {"content": "second part"}]`, false)
	assert.Equal(t, "first part second part", got)
}

func TestCleanContentStripsMarkupAndNoise(t *testing.T) {
	// Ampersands are envelope noise and collapse away with the run.
	got := CleanContent(`<p>Alice &amp; Bob met</p>`, false)
	assert.Equal(t, "Alice Bob met", got)

	got = CleanContent("\x1b[32mok\x1b[0m done", false)
	assert.Equal(t, "ok done", got)

	got = CleanContent("so   much\n\n whitespace\t here", false)
	assert.Equal(t, "so much whitespace here", got)

	got = CleanContent("great job \U0001F389\U0001F389", false)
	assert.Equal(t, "great job", got)

	// keepEmojis preserves them.
	got = CleanContent("great job \U0001F389", true)
	assert.Contains(t, got, "\U0001F389")
}

func TestCleanContentPreservesUnicodeText(t *testing.T) {
	got := CleanContent("café rendezvous with Müller", false)
	assert.Equal(t, "café rendezvous with Müller", got)
}

func TestHashContentConverges(t *testing.T) {
	a := HashContent(CleanContent(`{"content": "Alice joined"}`, false))
	b := HashContent(CleanContent("Alice   joined", false))
	assert.Equal(t, a, b, "same payload under different envelope noise")
	assert.NotEqual(t, a, HashContent("Alice left"))
	assert.Len(t, a, 64)
}

func TestTokenCounter(t *testing.T) {
	tc := newTokenCounter()
	assert.Equal(t, 0, tc.Count(""))
	assert.Greater(t, tc.Count("Alice works at TechCorp on the storage team."), 0)

	// Fallback path.
	fallback := &tokenCounter{}
	assert.Equal(t, 5, fallback.Count("12345678901234567890"))
}
