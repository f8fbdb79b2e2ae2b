package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeOutputBase(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Track One", "Track One"},
		{"forbidden chars", `Track: "One"?`, "Track One"},
		{"control chars", "Track\x01One", "TrackOne"},
		{"collapses whitespace", "Track   One   Two", "Track One Two"},
		{"trims trailing dot", "Track One.", "Track One"},
		{"trims trailing space and dot", "Track One. ", "Track One"},
		{"empty becomes Untitled", "", "Untitled"},
		{"only forbidden becomes Untitled", `???`, "Untitled"},
		{"windows reserved name", "CON", "CON_"},
		{"windows reserved name case-insensitive", "con", "con_"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SanitizeOutputBase(c.in)
			require.Equal(t, c.want, got)
		})
	}
}

func TestSanitizeOutputBase_NormalizesToNFC(t *testing.T) {
	// "e" + combining acute accent U+0301 (NFD) must normalize to the
	// precomposed U+00E9 (NFC).
	decomposed := "café"
	precomposed := "café"
	got := SanitizeOutputBase(decomposed)
	require.Equal(t, precomposed, got)
}
