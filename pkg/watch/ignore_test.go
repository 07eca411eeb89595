package watch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatterns_Match(t *testing.T) {
	p := NewPatterns(
		"# comment",
		"",
		"*.log",
		"!keep.log",
		"node_modules/",
		"/build",
		"docs/**/*.md",
		"**/tmp",
	)
	assert.Equal(t, 6, p.Len())

	tests := []struct {
		path    string
		isDir   bool
		ignored bool
	}{
		{"app.log", false, true},
		{"src/deep/app.log", false, true},
		{"keep.log", false, false},
		{"node_modules", true, true},
		{"node_modules/pkg/index.js", false, true},
		{"src/node_modules/x.js", false, true},
		{"node_modules", false, false},
		{"build/out.bin", false, true},
		{"src/build/out.bin", false, false},
		{"docs/readme.md", false, true},
		{"docs/a/b/readme.md", false, true},
		{"src/readme.md", false, false},
		{"a/b/tmp/file", false, true},
		{"main.go", false, false},
		{"../outside.log", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, p.Match(tt.path, tt.isDir))
		})
	}
}

func TestFindRepositoryRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, ok := FindRepositoryRoot(nested)
	require.True(t, ok)
	assert.Equal(t, root, found)
}

func TestNewGitIgnoreMatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("dist/\n*.tmp\n"), 0o644))
	src := filepath.Join(root, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dist"), 0o755))
	require.NoError(t, os.MkdirAll(src, 0o755))

	match, err := NewGitIgnoreMatcher(src, []string{"*.swp"})
	require.NoError(t, err)

	assert.True(t, match(filepath.Join(root, ".git", "index")))
	assert.True(t, match(filepath.Join(root, "dist")))
	assert.True(t, match(filepath.Join(root, "dist", "bundle.js")))
	assert.True(t, match(filepath.Join(src, "x.tmp")))
	assert.True(t, match(filepath.Join(src, ".main.go.swp")))
	assert.False(t, match(filepath.Join(src, "main.go")))
}

func TestNewIgnoreMatcher(t *testing.T) {
	root := t.TempDir()
	match, err := NewIgnoreMatcher(root, []string{"*.bak"})
	require.NoError(t, err)

	assert.True(t, match(filepath.Join(root, "a.bak")))
	assert.False(t, match(filepath.Join(root, "a.go")))
}
