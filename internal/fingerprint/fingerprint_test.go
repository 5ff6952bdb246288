package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum("https://example.com/job/1", "Engineer")
	b := Sum("https://example.com/job/1", "Engineer")
	assert.Equal(t, a, b)

	// Known value so a driver or algorithm change cannot slip in silently:
	// previously stored fingerprints would all be invalidated.
	assert.Equal(t, "sha256:0540f2918c52c1bdaab3a7aa1f030cfcb4ac154728b7f9518002eb5dbd77ee56", a)
}

func TestSumDistinguishesInputs(t *testing.T) {
	base := Sum("https://example.com/job/1", "Engineer")

	assert.NotEqual(t, base, Sum("https://example.com/job/2", "Engineer"))
	assert.NotEqual(t, base, Sum("https://example.com/job/1", "Senior Engineer"))

	// The separator keeps link/title boundaries unambiguous.
	assert.NotEqual(t, Sum("a|b", "c"), Sum("a", "b|c"))
}

func TestSumFormat(t *testing.T) {
	got := Sum("link", "title")
	assert.True(t, strings.HasPrefix(got, "sha256:"))
	assert.Len(t, got, len("sha256:")+64)
}
