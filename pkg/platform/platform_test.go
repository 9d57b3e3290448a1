package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	p := Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}
	assert.Equal(t, "rhel:9:x86_64", p.String())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Platform
		wantErr bool
	}{
		{
			name:  "valid triple",
			input: "rhel:9:x86_64",
			want:  Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"},
		},
		{
			name:    "missing arch",
			input:   "rhel:9",
			wantErr: true,
		},
		{
			name:    "empty segment",
			input:   "rhel::x86_64",
			wantErr: true,
		},
		{
			name:    "too many segments",
			input:   "rhel:9:x86_64:extra",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	p := Platform{OS: "fedora", CodeName: "38", Arch: "aarch64"}
	got, err := Parse(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestMatrixFromTargets(t *testing.T) {
	targets := map[string]map[string][]string{
		"rhel": {
			"9": {"x86_64", "aarch64"},
			"8": {"x86_64"},
		},
	}

	matrix := MatrixFromTargets(targets)
	require.Len(t, matrix, 3)

	// Sorted by canonical string form.
	assert.Equal(t, Platform{OS: "rhel", CodeName: "8", Arch: "x86_64"}, matrix[0])
	assert.Equal(t, Platform{OS: "rhel", CodeName: "9", Arch: "aarch64"}, matrix[1])
	assert.Equal(t, Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}, matrix[2])
}

func TestMatrixFromTargetsDeduplicates(t *testing.T) {
	targets := map[string]map[string][]string{
		"fedora": {
			"38": {"x86_64", "x86_64"},
		},
	}
	assert.Len(t, MatrixFromTargets(targets), 1)
}

func TestOSNames(t *testing.T) {
	matrix := []Platform{
		{OS: "rhel", CodeName: "9", Arch: "x86_64"},
		{OS: "rhel", CodeName: "8", Arch: "x86_64"},
		{OS: "fedora", CodeName: "38", Arch: "x86_64"},
	}
	assert.Equal(t, []string{"fedora", "rhel"}, OSNames(matrix))
}

func TestPlatformAsMapKey(t *testing.T) {
	m := map[Platform]int{}
	m[Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}] = 1
	m[Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}] = 2
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[Platform{OS: "rhel", CodeName: "9", Arch: "x86_64"}])
}
