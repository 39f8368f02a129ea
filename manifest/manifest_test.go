package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/lumen/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tliron/commonlog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, vm.DefaultGrowthSequence, c.Table.GrowthSequence)

	c.Table.GrowthSequence[0] = -1
	assert.NotEqual(t, -1, vm.DefaultGrowthSequence[0], "Default must copy the growth sequence")
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lumen.toml", `
[gc]
initial_threshold = 4096
max_entities = 100000

[table]
growth_sequence = [4, 8, 32, 128]
parent_key = "proto"

[stack]
max_call_depth = 200

[log]
verbosity = 2
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, c.GC.InitialThreshold)
	assert.Equal(t, vm.DefaultMinThreshold, c.GC.MinThreshold)
	assert.Equal(t, 100000, c.GC.MaxEntities)
	assert.Equal(t, []int{4, 8, 32, 128}, c.Table.GrowthSequence)
	assert.Equal(t, "proto", c.Table.ParentKey)
	assert.Equal(t, vm.DefaultParentHopLimit, c.Table.ParentHopLimit)
	assert.Equal(t, 200, c.Stack.MaxCallDepth)
	assert.Equal(t, 2, c.Log.Verbosity)
	assert.Equal(t, path, c.Path)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "lumen.yaml", `
gc:
  min_threshold: 64
stack:
  initial_size: 128
  max_size: 4096
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, c.GC.MinThreshold)
	assert.Equal(t, 128, c.Stack.InitialSize)
	assert.Equal(t, 4096, c.Stack.MaxSize)
	assert.Equal(t, vm.DefaultGCThreshold, c.GC.InitialThreshold)
}

func TestLoadEmptyYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "lumen.yml", "")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, vm.DefaultStackSize, c.Stack.InitialSize)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		msg     string
	}{
		{"toml syntax", "lumen.toml", "[gc\n", "parse error"},
		{"toml unknown key", "lumen.toml", "[gc]\nthreshold = 3\n", "unknown setting gc.threshold"},
		{"yaml unknown key", "lumen.yaml", "gc:\n  threshold: 3\n", "parse error"},
		{"format", "lumen.json", "{}", "unsupported configuration format"},
		{"not increasing", "lumen.toml", "[table]\ngrowth_sequence = [8, 8]\n", "strictly increasing"},
		{"empty sequence", "lumen.toml", "[table]\ngrowth_sequence = []\n", "GrowthSequence"},
		{"short sequence", "lumen.toml", "[table]\ngrowth_sequence = [1, 2]\n", "growth_sequence must reach at least"},
		{"max below initial", "lumen.yaml", "stack:\n  initial_size: 512\n  max_size: 256\n", "MaxSize"},
		{"threshold", "lumen.toml", "[gc]\nmin_threshold = 0\n", "MinThreshold"},
		{"verbosity", "lumen.toml", "[log]\nverbosity = 9\n", "Verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read")
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lumen.toml", "[stack]\nmax_call_depth = 50\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 50, c.Stack.MaxCallDepth)
	assert.Equal(t, filepath.Join(root, "lumen.toml"), c.Path)

	// A closer file wins.
	writeFile(t, nested, "lumen.yaml", "stack:\n  max_call_depth: 7\n")
	c, err = FindAndLoad(nested)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Stack.MaxCallDepth)
}

func TestFindAndLoadNotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestValidateRejectsShortGrowthSequence(t *testing.T) {
	c := Default()
	c.Table.GrowthSequence = []int{1, 2}
	require.Error(t, c.Validate())

	c.Table.GrowthSequence = []int{1, 2, vm.MinGrowthSize}
	require.NoError(t, c.Validate())
	s := vm.New(append(c.Options(), vm.WithLogger(commonlog.MOCK_LOGGER))...)
	assert.NotEqual(t, vm.Nil, s.GetGlobal("print"))
}

func TestOptionsConfigureState(t *testing.T) {
	c := Default()
	c.Table.ParentKey = "proto"
	c.Stack.MaxCallDepth = 20

	s := vm.New(c.Options()...)
	base := s.NewTable(0)
	s.RawSet(base, s.Intern("x"), vm.FromNumber(1))
	child := s.NewTable(0)
	s.RawSet(child, s.Intern("proto"), base)
	assert.Equal(t, 1.0, s.GetTable(child, s.Intern("x")).Number())
}
