package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactPath(t *testing.T) {
	tempDir := t.TempDir()

	a1 := ArtifactPath(tempDir, "js", "src/a.js")
	a2 := ArtifactPath(tempDir, "js", "src/a.js")
	b := ArtifactPath(tempDir, "js", "lib/a.js")
	other := ArtifactPath(tempDir, "css", "src/a.js")

	assert.Equal(t, a1, a2, "same source should map to the same artifact")
	assert.NotEqual(t, a1, b, "same base name in different dirs must not collide")
	assert.NotEqual(t, a1, other, "pipelines must not share artifacts")
	assert.Equal(t, filepath.Join(tempDir, "js"), filepath.Dir(a1))
	assert.Contains(t, filepath.Base(a1), "a.js--")
}

func TestForegroundArtifactPath(t *testing.T) {
	tempDir := t.TempDir()

	fg := ForegroundArtifactPath(tempDir, "js", "src/a.js")
	bg := ArtifactPath(tempDir, "js", "src/a.js")

	assert.NotEqual(t, bg, fg)
	assert.Equal(t, fg, ForegroundArtifactPath(tempDir, "js", "src/a.js"))
	assert.Equal(t, filepath.Base(bg), filepath.Base(fg))
	assert.Equal(t, filepath.Join(tempDir, "js", "foreground"), filepath.Dir(fg))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"a.js", "a.js"},
		{"my file.ts", "my_file.ts"},
		{"weird:name?.css", "weird_name_.css"},
		{"under_score-dash.jsx", "under_score-dash.jsx"},
		{"", ""},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, SanitizeName(test.input), "SanitizeName(%q)", test.input)
	}
}
