package capability_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capreg "github.com/jltournay/farmer-power-platform-sub015/internal/capability"
	"github.com/jltournay/farmer-power-platform-sub015/internal/capability/mock"
	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validRegistry = `
analyzers:
  leaf-vision:
    endpoint: http://leaf-vision:8080/analyze
    timeout: 45s
  soil-lab:
    endpoint: http://soil-lab:8080/analyze
categories:
  leaf_discoloration:
    primary: leaf-vision
    applicable: [leaf-vision, soil-lab]
    timeout: 1m
  nutrient_deficiency:
    primary: soil-lab
    applicable: [soil-lab]
`

func TestLoadFile_Valid(t *testing.T) {
	path := writeRegistry(t, validRegistry)

	f, err := capreg.LoadFile(path)
	require.NoError(t, err)

	require.Len(t, f.Analyzers, 2)
	assert.Equal(t, "http://leaf-vision:8080/analyze", f.Analyzers["leaf-vision"].Endpoint)
	assert.Equal(t, 45*time.Second, f.Analyzers["leaf-vision"].Timeout.Std())
	assert.Zero(t, f.Analyzers["soil-lab"].Timeout.Std())

	require.Len(t, f.Categories, 2)
	assert.Equal(t, "leaf-vision", f.Categories["leaf_discoloration"].Primary)
	assert.Equal(t, time.Minute, f.Categories["leaf_discoloration"].Timeout.Std())
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := capreg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read registry file")
}

func TestLoadFile_MalformedYAML(t *testing.T) {
	path := writeRegistry(t, "analyzers: [not a map")
	_, err := capreg.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse registry file")
}

func TestLoadFile_InvalidDuration(t *testing.T) {
	path := writeRegistry(t, `
analyzers:
  leaf-vision:
    endpoint: http://leaf-vision:8080/analyze
    timeout: soon
categories:
  leaf_discoloration:
    primary: leaf-vision
    applicable: [leaf-vision]
`)
	_, err := capreg.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid duration "soon"`)
}

func TestLoadFile_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no analyzers",
			content: "categories:\n  c:\n    primary: a\n    applicable: [a]\n",
			wantErr: "at least one analyzer",
		},
		{
			name:    "no categories",
			content: "analyzers:\n  a:\n    endpoint: http://a/analyze\n",
			wantErr: "at least one category",
		},
		{
			name: "missing endpoint",
			content: `
analyzers:
  a:
    timeout: 10s
categories:
  c:
    primary: a
    applicable: [a]
`,
			wantErr: "endpoint is required",
		},
		{
			name: "missing primary",
			content: `
analyzers:
  a:
    endpoint: http://a/analyze
categories:
  c:
    applicable: [a]
`,
			wantErr: "primary is required",
		},
		{
			name: "undeclared primary",
			content: `
analyzers:
  a:
    endpoint: http://a/analyze
categories:
  c:
    primary: ghost
    applicable: [ghost]
`,
			wantErr: "not a declared analyzer",
		},
		{
			name: "undeclared applicable",
			content: `
analyzers:
  a:
    endpoint: http://a/analyze
categories:
  c:
    primary: a
    applicable: [a, ghost]
`,
			wantErr: "is not declared",
		},
		{
			name: "primary not applicable",
			content: `
analyzers:
  a:
    endpoint: http://a/analyze
  b:
    endpoint: http://b/analyze
categories:
  c:
    primary: a
    applicable: [b]
`,
			wantErr: "must appear in applicable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRegistry(t, tt.content)
			_, err := capreg.LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildRegistry(t *testing.T) {
	path := writeRegistry(t, validRegistry)
	f, err := capreg.LoadFile(path)
	require.NoError(t, err)

	type constructed struct {
		endpoint string
		timeout  time.Duration
	}
	seen := make(map[string]constructed)
	reg, err := f.BuildRegistry(func(name, endpoint string, timeout time.Duration) capability.Analyzer {
		seen[name] = constructed{endpoint: endpoint, timeout: timeout}
		return mock.NewFixedAnalyzer(name, 0.8)
	})
	require.NoError(t, err)

	assert.Equal(t, constructed{"http://leaf-vision:8080/analyze", 45 * time.Second}, seen["leaf-vision"])
	assert.Equal(t, constructed{"http://soil-lab:8080/analyze", 0}, seen["soil-lab"])

	primary, ok := reg.Primary("leaf_discoloration")
	require.True(t, ok)
	assert.Equal(t, "leaf-vision", primary.Name())
	assert.Equal(t, time.Minute, reg.Timeout("leaf_discoloration"))
	assert.Len(t, reg.Applicable("leaf_discoloration"), 2)
}
