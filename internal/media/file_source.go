package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// FileSource replays access units from a simple length-prefixed
// container on disk, standing in for the original source's file
// extractor replay path (used by PlaybackSession when a SETUP
// requests playback of an existing recording rather than a live
// capture). Record format: 8-byte big-endian presentation timestamp
// (microseconds) followed by a 4-byte big-endian length and that many
// payload bytes, repeated to EOF.
type FileSource struct {
	f  *os.File
	r  *bufio.Reader
	eof bool
}

// OpenFileSource opens path for replay.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("media: open replay file: %w", err)
	}
	return &FileSource{f: f, r: bufio.NewReader(f)}, nil
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error { return s.f.Close() }

// ReadAccessUnit implements Source by reading the next record.
func (s *FileSource) ReadAccessUnit(ctx context.Context) (AccessUnit, error) {
	if s.eof {
		return AccessUnit{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return AccessUnit{}, ctx.Err()
	default:
	}

	var header [12]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		s.eof = true
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return AccessUnit{}, err
	}
	ptsUs := int64(binary.BigEndian.Uint64(header[0:8]))
	length := binary.BigEndian.Uint32(header[8:12])

	data := make([]byte, length)
	if _, err := io.ReadFull(s.r, data); err != nil {
		s.eof = true
		return AccessUnit{}, fmt.Errorf("media: truncated replay record: %w", err)
	}
	return AccessUnit{Data: data, PresentationUs: ptsUs}, nil
}
