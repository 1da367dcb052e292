package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ada@example.com", NormalizeEmail("  ADA@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"(415) 555-0100", "+14155550100"},
		{"415.555.0100", "+14155550100"},
		{"+44 20 7946 0958", "+442079460958"},
		{"14155550100", "+14155550100"},
		{"12345", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Ada   Lovelace ", "ada lovelace"},
		{"José García", "jose garcia"},
		{"O'Brien, Mary-Anne", "obrien mary anne"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestSoundex(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Ashcraft", "A261"},
		{"Tymczak", "T522"},
		{"Pfister", "P236"},
		{"Lee", "L000"},
		{"", ""},
		{"123", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Soundex(tt.in), "input %q", tt.in)
	}
}

func TestBlockKey(t *testing.T) {
	assert.Equal(t, "L142_94107", BlockKey("Lovelace", "94107"))
	assert.Equal(t, "L142_", BlockKey("Lovelace", ""))
	assert.Equal(t, "_94107", BlockKey("", "94107"))
	assert.Equal(t, "", BlockKey("", ""))
}
