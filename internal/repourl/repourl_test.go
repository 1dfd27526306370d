package repourl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Spec
	}{
		{
			name: "no fragment",
			in:   "https://h/o/r",
			want: Spec{URL: "https://h/o/r", Branch: "", Path: "."},
		},
		{
			name: "branch and directory",
			in:   "https://h/o/r#branch:dir/",
			want: Spec{URL: "https://h/o/r", Branch: "branch", Path: "dir"},
		},
		{
			name: "default branch with slashed directory",
			in:   "https://github.com/dimikot/ci-storage#:/docker/",
			want: Spec{URL: "https://github.com/dimikot/ci-storage", Branch: "", Path: "docker"},
		},
		{
			name: "nested directory",
			in:   "https://h/o/r#main://a/b/c//",
			want: Spec{URL: "https://h/o/r", Branch: "main", Path: "a/b/c"},
		},
		{
			name: "empty directory collapses to root",
			in:   "https://h/o/r#main:/",
			want: Spec{URL: "https://h/o/r", Branch: "main", Path: "."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{"", "#main:dir", "https://h/o/r#main", "https://h/o/r#"} {
		_, err := Parse(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrMalformedRepositoryURL), in)
	}
}

func TestSpec_String(t *testing.T) {
	for _, in := range []string{
		"https://h/o/r",
		"https://h/o/r#main:/",
		"https://h/o/r#:/docker/",
		"https://h/o/r#dev:/a/b/",
	} {
		spec, err := Parse(in)
		require.NoError(t, err)
		again, err := Parse(spec.String())
		require.NoError(t, err)
		assert.Equal(t, spec, again, in)
	}
}

func TestSpec_IsRoot(t *testing.T) {
	assert.True(t, Spec{URL: "u", Path: "."}.IsRoot())
	assert.False(t, Spec{URL: "u", Path: "docker"}.IsRoot())
}
