package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// anchor is the control block persisted to every configured control
// file, written in full prefixed by {length, checksum}. The body's
// wire format is treated as opaque control state and serialized with
// encoding/gob since it is cold, infrequently-written metadata — not
// a place worth hand-rolling a binary layout the way records
// themselves are.
type anchor struct {
	CtlFilePaths         []string
	GroupPaths           []string
	NumFiles             int
	FileSize             int64
	ArchivePath          string
	ArchiveMode          bool
	BufferSize           int
	MaxBuffers           int
	FlushIntervalSeconds int

	CurrentFileIndex int32
	CurrentOffset    int32
	ArchivedIndex    int32

	CurrentLSN           LSN
	MaxLSN               LSN
	DurableLSN           LSN
	DurableCurrentLSN    LSN
	CheckpointLSN        LSN
	OldestInterestingLSN LSN
}

func (a *anchor) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, errors.Wrap(err, "wal: encode anchor")
	}
	body := buf.Bytes()

	h := xxhash.New64()
	_, _ = h.Write(body)
	checksum := h.Sum64()

	out := make([]byte, 4+8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	binary.BigEndian.PutUint64(out[4:12], checksum)
	copy(out[12:], body)
	return out, nil
}

func unmarshalAnchor(raw []byte) (*anchor, error) {
	if len(raw) < 12 {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: truncated anchor")
	}
	bodyLen := binary.BigEndian.Uint32(raw[0:4])
	checksum := binary.BigEndian.Uint64(raw[4:12])
	if int(bodyLen) > len(raw)-12 {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: anchor length overflow")
	}
	body := raw[12 : 12+bodyLen]

	h := xxhash.New64()
	_, _ = h.Write(body)
	if h.Sum64() != checksum {
		return nil, errors.Wrap(errs.ErrCorrupt, "wal: anchor checksum mismatch")
	}

	a := &anchor{}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(a); err != nil {
		return nil, errors.Wrap(err, "wal: decode anchor")
	}
	return a, nil
}

func writeAnchorFile(path string, a *anchor) error {
	raw, err := a.marshal()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(errs.ErrStorage, "wal: open control file %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return errors.Wrap(errs.ErrStorage, "wal: write control file")
	}
	return f.Sync()
}

func readAnchorFile(path string) (*anchor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrStorage, "wal: read control file %s: %v", path, err)
	}
	return unmarshalAnchor(raw)
}
