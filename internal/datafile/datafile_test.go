package datafile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dnsqperf/dnsqperf/internal/datafile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "records.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func TestDataFile_loopsAndCountsRuns(t *testing.T) {
	path := writeTemp(t, "a.example A\n; a comment\nb.example AAAA\n\nc.example MX\n")

	df, err := datafile.Open(path)
	require.NoError(t, err)
	defer df.Close()

	df.SetMaxRuns(2)

	var got []string
	for {
		rec, status, err := df.Next(false)
		require.NoError(t, err)
		if status == datafile.StatusEOF {
			break
		}

		got = append(got, rec)
	}

	assert.Equal(t, []string{
		"a.example A", "b.example AAAA", "c.example MX",
		"a.example A", "b.example AAAA", "c.example MX",
	}, got)
	assert.Equal(t, uint32(1), df.NRuns())
}

func TestDataFile_unlimitedRuns(t *testing.T) {
	path := writeTemp(t, "only.example A\n")

	df, err := datafile.Open(path)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		rec, status, err := df.Next(false)
		require.NoError(t, err)
		require.Equal(t, datafile.StatusOK, status)
		assert.Equal(t, "only.example A", rec)
	}

	assert.Equal(t, uint32(99), df.NRuns())
}

func TestDataFile_closed(t *testing.T) {
	path := writeTemp(t, "x.example A\n")

	df, err := datafile.Open(path)
	require.NoError(t, err)
	require.NoError(t, df.Close())

	_, status, err := df.Next(false)
	assert.Equal(t, datafile.StatusInvalidFile, status)
	assert.ErrorIs(t, err, datafile.ErrClosed)
}

func TestDataFile_emptyFile(t *testing.T) {
	path := writeTemp(t, "\n; only comments\n")

	_, err := datafile.Open(path)
	assert.Error(t, err)
}
