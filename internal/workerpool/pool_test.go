package workerpool

import (
	"testing"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/stretchr/testify/assert"
)

func compile(patterns []string) *ignore.GitIgnore {
	return ignore.CompileIgnoreLines(patterns...)
}

func TestFilesMatchIgnorePatterns(t *testing.T) {
	tests := []struct {
		name     string
		files    []string
		patterns []string
		nilGI    bool
		want     bool
	}{
		{name: "nil matcher returns false", files: []string{"foo.go"}, nilGI: true, want: false},
		{name: "empty file list returns false", files: []string{}, patterns: []string{"*.md"}, want: false},
		{name: "all files match", files: []string{"docs/a.md", "docs/b.md"}, patterns: []string{"docs/"}, want: true},
		{name: "mixed files returns false", files: []string{"docs/a.md", "main.go"}, patterns: []string{"docs/"}, want: false},
		{name: "issues root matches", files: []string{"issues/BUG-1.md"}, patterns: []string{"issues/"}, want: true},
		{name: "dotted issues root matches", files: []string{".issues/BUG-1.md"}, patterns: []string{".issues/"}, want: true},
		{name: "unmatched among matched", files: []string{".issues/x.md", "src/main.go"}, patterns: []string{".issues/"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gi *ignore.GitIgnore
			if !tt.nilGI {
				gi = compile(tt.patterns)
			}
			assert.Equal(t, tt.want, filesMatchIgnorePatterns(tt.files, gi))
		})
	}
}

func TestMatchesLeakPattern(t *testing.T) {
	assert.True(t, matchesLeakPattern("issues/BUG-1.md"))
	assert.True(t, matchesLeakPattern(".issues/BUG-1.md"))
	assert.True(t, matchesLeakPattern("thoughts/scratch.md"))
	assert.False(t, matchesLeakPattern("src/main.go"))
}
