package permit

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_RunsWhenFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "converge.lock")
	calls := 0

	ran, err := Do(path, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	ran, err = Do(path, func() error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "released after the first run")
}

func TestDo_SkipsWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lock")
	held, err := Acquire(path)
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrHeld)

	ran, err := Do(path, func() error {
		t.Fatal("must not run while held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDo_ReturnsFnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "converge.lock")
	boom := errors.New("boom")

	ran, err := Do(path, func() error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestDropper(t *testing.T) {
	var gotArgv0 string
	var gotArgv []string
	d := &Dropper{
		User:     "ubuntu",
		Geteuid:  func() int { return 0 },
		LookPath: func(string) (string, error) { return "/usr/sbin/gosu", nil },
		Exec: func(argv0 string, argv []string, _ []string) error {
			gotArgv0, gotArgv = argv0, argv
			return nil
		},
	}

	require.NoError(t, d.Drop([]string{"/usr/local/bin/ci-storage-agent", "converge"}))
	assert.Equal(t, "/usr/sbin/gosu", gotArgv0)
	assert.Equal(t, []string{"gosu", "ubuntu", "/usr/local/bin/ci-storage-agent", "converge"}, gotArgv)
}

func TestDropper_NotRoot(t *testing.T) {
	d := &Dropper{
		User:    "ubuntu",
		Geteuid: func() int { return 1000 },
		Exec: func(string, []string, []string) error {
			t.Fatal("must not exec")
			return nil
		},
	}
	assert.NoError(t, d.Drop([]string{"agent"}))
}

func TestDropper_RootUserRefused(t *testing.T) {
	d := &Dropper{User: "root", Geteuid: func() int { return 0 }}
	assert.Error(t, d.Drop([]string{"agent"}))
}
