package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "run.lock")

	l, err := Acquire(path)
	require.NoError(t, err)

	// A second acquire on the same path fails while the lock is held.
	_, err = Acquire(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by another instance")

	require.NoError(t, l.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
