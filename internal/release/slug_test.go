package release_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forest-release/forest/internal/release"
)

func TestNewSlugHasThreeHyphenatedTokens(t *testing.T) {
	slug := release.NewSlug()
	parts := strings.Split(slug, "-")
	assert.Len(t, parts, 3)
	for _, p := range parts {
		assert.NotEmpty(t, p)
	}
}

func TestNewSlugVaries(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		seen[release.NewSlug()] = true
	}
	assert.Greater(t, len(seen), 1, "expected at least some variation across 20 draws")
}
