package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "package.json"), []byte("{}"), 0o644))

	cases := []struct {
		name   string
		dir    string
		expDir string
	}{
		{name: "in an ancestor", dir: nested, expDir: filepath.Join(root, "a")},
		{name: "in the start dir", dir: filepath.Join(root, "a"), expDir: filepath.Join(root, "a")},
		{name: "missing", dir: root, expDir: ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			name := "package.json"
			if c.expDir == "" {
				name = "no-such-file-3f9d2e80.json"
			}
			dir, err := FindUp(name, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.expDir, dir)
		})
	}
}
