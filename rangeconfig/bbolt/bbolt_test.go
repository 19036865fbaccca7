package bbolt

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/seriatim/rangeconfig"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "rangeconfig-test-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.Remove(path)
	})
	return s
}

func TestPutGetCommit(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetString("certificate.minSerial")
	assert.ErrorIs(t, err, rangeconfig.ErrNotFound)

	require.NoError(t, s.PutString("certificate.minSerial", "1"))
	require.NoError(t, s.PutString("certificate.maxSerial", "fffff"))

	// Staged values are readable before commit.
	v, err := s.GetString("certificate.minSerial")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Commit())
	v, err = s.GetString("certificate.maxSerial")
	require.NoError(t, err)
	assert.Equal(t, "fffff", v)
}

func TestSurvivesReopen(t *testing.T) {
	f, err := os.CreateTemp("", "rangeconfig-test-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutString("request.minSerial", "100"))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.GetString("request.minSerial")
	require.NoError(t, err)
	assert.Equal(t, "100", v)
}

func TestUncommittedWritesAreNotDurable(t *testing.T) {
	f, err := os.CreateTemp("", "rangeconfig-test-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutString("request.minSerial", "100"))
	require.NoError(t, s.Close())

	s2, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.GetString("request.minSerial")
	assert.ErrorIs(t, err, rangeconfig.ErrNotFound)
}
