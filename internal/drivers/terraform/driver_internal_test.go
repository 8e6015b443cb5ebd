package terraform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-release/forest/internal/driver"
	"github.com/forest-release/forest/internal/staging"
)

func TestMaterializeWritesFilesCreatingParents(t *testing.T) {
	root := t.TempDir()
	files := []staging.ReleaseFile{
		{Path: "prod/web/main.tf", Content: []byte("resource \"null_resource\" \"x\" {}")},
		{Path: "prod/web/vars.tf", Content: []byte("variable \"x\" {}")},
	}

	require.NoError(t, materialize(root, files))

	for _, f := range files {
		got, err := os.ReadFile(filepath.Join(root, f.Path))
		require.NoError(t, err)
		assert.Equal(t, f.Content, got)
	}
}

func TestLocateRootMatchesExactName(t *testing.T) {
	envDir := t.TempDir()
	typ := driver.Type{Organisation: "forest", Name: "terraform", Version: "v1"}
	tfRoot := filepath.Join(envDir, "web", typ.Organisation, typ.Name+"@"+typ.Version)
	require.NoError(t, os.MkdirAll(tfRoot, 0o755))

	root, err := locateRoot(envDir, "web", typ)
	require.NoError(t, err)
	assert.Equal(t, tfRoot, root)
}

func TestLocateRootMatchesRegexEntry(t *testing.T) {
	envDir := t.TempDir()
	typ := driver.Type{Organisation: "forest", Name: "terraform", Version: "v1"}
	tfRoot := filepath.Join(envDir, "web-.*", typ.Organisation, typ.Name+"@"+typ.Version)
	require.NoError(t, os.MkdirAll(tfRoot, 0o755))

	root, err := locateRoot(envDir, "web-primary", typ)
	require.NoError(t, err)
	assert.Equal(t, tfRoot, root)
}

func TestLocateRootFailsWithNoMatch(t *testing.T) {
	envDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(envDir, "other"), 0o755))

	_, err := locateRoot(envDir, "web", driver.Type{Organisation: "forest", Name: "terraform", Version: "v1"})
	require.Error(t, err)
}

func TestLocateRootFailsWhenTerraformRootMissing(t *testing.T) {
	envDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(envDir, "web"), 0o755))

	_, err := locateRoot(envDir, "web", driver.Type{Organisation: "forest", Name: "terraform", Version: "v1"})
	require.Error(t, err)
}
