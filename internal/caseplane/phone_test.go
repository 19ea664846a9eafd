package caseplane

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhoneVariantsGeneratesAllRepresentations(t *testing.T) {
	variants := phoneVariants("(415) 533-4125")

	for _, want := range []string{
		"+14155334125",
		"4155334125",
		"14155334125",
		"+4155334125",
		"(415) 533-4125",
		"415-533-4125",
	} {
		require.Contains(t, variants, want)
	}
}

func TestPhoneVariantsUsesLastTenDigits(t *testing.T) {
	variants := phoneVariants("+1 (415) 533-4125")
	require.Contains(t, variants, "4155334125")
	require.Contains(t, variants, "+14155334125")
	require.Contains(t, variants, "(415) 533-4125")
}

func TestPhoneVariantsShortInput(t *testing.T) {
	variants := phoneVariants("533-4125")
	require.Contains(t, variants, "533-4125")
	require.Contains(t, variants, "5334125")
	require.Len(t, variants, 2)
}

func TestPhoneVariantsEmpty(t *testing.T) {
	require.Empty(t, phoneVariants("   "))
}
