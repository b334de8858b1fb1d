package media

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeReplayFile(t *testing.T, records []AccessUnit) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "replay-*.bin")
	require.NoError(t, err)
	defer f.Close()

	for _, au := range records {
		var header [12]byte
		binary.BigEndian.PutUint64(header[0:8], uint64(au.PresentationUs))
		binary.BigEndian.PutUint32(header[8:12], uint32(len(au.Data)))
		_, err := f.Write(header[:])
		require.NoError(t, err)
		_, err = f.Write(au.Data)
		require.NoError(t, err)
	}
	return f.Name()
}

func TestFileSourceReplaysRecordsInOrder(t *testing.T) {
	path := writeReplayFile(t, []AccessUnit{
		{Data: []byte{1, 2, 3}, PresentationUs: 1000},
		{Data: []byte{4, 5}, PresentationUs: 2000},
	})

	src, err := OpenFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	au, err := src.ReadAccessUnit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, au.Data)
	require.Equal(t, int64(1000), au.PresentationUs)

	au, err = src.ReadAccessUnit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{4, 5}, au.Data)
	require.Equal(t, int64(2000), au.PresentationUs)

	_, err = src.ReadAccessUnit(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestFileSourceRejectsTruncatedRecord(t *testing.T) {
	path := writeReplayFile(t, nil)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	var header [12]byte
	binary.BigEndian.PutUint32(header[8:12], 10)
	_, err = f.Write(header[:])
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	f.Close()

	src, err := OpenFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.ReadAccessUnit(context.Background())
	require.Error(t, err)
}
