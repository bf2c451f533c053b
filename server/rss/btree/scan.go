package btree

import (
	"context"

	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/txn"
	"github.com/simpledbm/rss/server/rss/wal"
)

// Infinity is the sentinel key FetchNext returns once a scan has
// walked past the rightmost real item of the index: EOF is detected
// when the next key is this rightmost sentinel.
type Infinity struct{}

// Scan is a forward cursor over the index in the mode given at
// construction, modelled on IndexScanImpl.fetchNext's
// remembered-position retry protocol.
type Scan struct {
	idx  *Index
	mode lock.Mode

	started    bool
	eof        bool
	fetchCount int

	currentKey interface{}
	currentLoc interface{}

	rememberedPage page.ID
	rememberedLSN  wal.LSN
}

// NewScan starts a scan that will return every (key, location) pair
// with key >= startKey, locking each candidate in mode as it is
// returned.
func (idx *Index) NewScan(startKey interface{}, mode lock.Mode) *Scan {
	return &Scan{idx: idx, mode: mode, currentKey: startKey}
}

// FetchNext refetches the remembered page (retraversing if it has
// moved on), locates the next candidate after the last key returned,
// locks it (conditionally, falling back to an unconditional wait and
// retry), and returns it. Once the index is exhausted it returns
// (Infinity{}, nil, true, nil) on every subsequent call.
func (s *Scan) FetchNext(trx *txn.Transaction) (key interface{}, loc interface{}, eof bool, err error) {
	if s.eof {
		return Infinity{}, nil, true, nil
	}
	for {
		h, err := s.fetchPage(trx)
		if err != nil {
			return nil, nil, false, err
		}
		n := loadNode(h.Page())

		slot := s.locateNext(n)
		// A leaf's last slot is its high-key boundary, not a row.
		for slot >= n.KeyCount() {
			rs := n.hdr.RightSibling
			h.Unfix()
			if rs == noSibling {
				s.eof = true
				return Infinity{}, nil, true, nil
			}
			h, err = s.idx.pool.FixShared(page.ID{ContainerID: s.idx.containerID, PageNumber: rs})
			if err != nil {
				return nil, nil, false, err
			}
			n = loadNode(h.Page())
			slot = 1
		}

		cand := n.Item(slot)
		if cand.Infinity {
			h.Unfix()
			s.eof = true
			return Infinity{}, nil, true, nil
		}

		res := s.idx.rowResource(cand.Location)
		granted, err := trx.Locker().AcquireConditional(trx.ID(), res, s.mode, lock.DurationCommit)
		if err != nil {
			h.Unfix()
			return nil, nil, false, err
		}
		pid := h.Page().ID()
		if !granted {
			h.Unfix()
			if err := trx.Locker().Acquire(context.Background(), trx.ID(), res, s.mode, lock.DurationCommit); err != nil {
				return nil, nil, false, err
			}
			s.rememberedPage = pid
			continue // candidate may have been deleted while we waited; refetch and recheck
		}

		s.currentKey, s.currentLoc = cand.Key, cand.Location
		s.rememberedPage = h.Page().ID()
		s.rememberedLSN = h.Page().GetPageLsn()
		s.fetchCount++
		h.Unfix()
		return cand.Key, cand.Location, false, nil
	}
}

// fetchPage returns the page to resume scanning from: the remembered
// page if it still covers currentKey, otherwise a fresh traversal.
func (s *Scan) fetchPage(trx *txn.Transaction) (*buffer.FixHandle, error) {
	if !s.started {
		s.started = true
		return s.idx.traverseRead(s.currentKey)
	}
	h, err := s.idx.pool.FixShared(s.rememberedPage)
	if err != nil {
		return nil, err
	}
	n := loadNode(h.Page())
	if n.IsDeallocated() || !n.IsLeaf() || (!h.Page().GetPageLsn().Equal(s.rememberedLSN) && !s.idx.covers(n, s.currentKey)) {
		h.Unfix()
		return s.idx.traverseRead(s.currentKey)
	}
	return h, nil
}

// locateNext finds the slot of the first item strictly after the
// last (key, location) this scan returned, or the first item >=
// currentKey on the very first fetch.
func (s *Scan) locateNext(n *nodeView) int {
	if s.fetchCount == 0 {
		slot, _ := n.search(indexItem{Key: s.currentKey}, false)
		return slot
	}
	slot, exact := n.search(indexItem{Key: s.currentKey, HasLocation: true, Location: s.currentLoc}, true)
	if exact {
		slot++
	}
	return slot
}
