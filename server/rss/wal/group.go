package wal

import (
	"os"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/server/rss/errs"
)

// group is one mirror of the online log: a ring of numFiles
// pre-allocated files under dir. All groups hold identical content;
// if one group's write fails, subsequent groups are not attempted.
type group struct {
	id    int
	dir   string
	files []*onlineFile // ring, position = logical index % len(files)
}

func newGroup(id int, dir string, numFiles int, fileSize int64) (*group, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(errs.ErrStorage, "wal: mkdir group dir %s: %v", dir, err)
	}
	g := &group{id: id, dir: dir, files: make([]*onlineFile, numFiles)}
	for i := 0; i < numFiles; i++ {
		g.files[i] = newOnlineFile(dir, id, int32(i), fileSize)
	}
	return g, nil
}

// ringSlot returns the onlineFile currently occupying the ring
// position for logical file index idx (idx % len(files)).
func (g *group) ringSlot(idx int32) *onlineFile {
	return g.files[int(idx)%len(g.files)]
}

