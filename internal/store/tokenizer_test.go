package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lowercases", "Ross 308 Broiler", []string{"ross", "308", "broiler"}},
		{"splits punctuation", "body-weight, FCR.", []string{"body", "weight", "fcr"}},
		{"keeps accents", "Mortalité élevée", []string{"mortalité", "élevée"}},
		{"drops single letters keeps digits", "a 7 d x", []string{"7"}},
		{"empty", "   ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestFilterStopWords(t *testing.T) {
	stop := BuildStopWordMap([]string{"The", "de"})
	got := FilterStopWords([]string{"the", "weight", "de", "poulet"}, stop)
	assert.Equal(t, []string{"weight", "poulet"}, got)
}

func TestTokenSpans_ByteOffsets(t *testing.T) {
	// Given: text with a multi-byte rune
	text := "é 21"

	// When: spans are computed
	spans := tokenSpans(text)

	// Then: offsets slice the original string correctly
	assert.Len(t, spans, 2)
	assert.Equal(t, "é", text[spans[0].start:spans[0].end])
	assert.Equal(t, "21", text[spans[1].start:spans[1].end])
}
