package btree

import (
	"context"

	"github.com/pkg/errors"

	"github.com/simpledbm/rss/logger"
	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/errs"
	"github.com/simpledbm/rss/server/rss/lock"
	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/space"
	"github.com/simpledbm/rss/server/rss/txn"
	"github.com/simpledbm/rss/server/rss/wal"
)

// rootPageNumber is always 2. Page 0 belongs to the space map; page 1
// is reserved once at Create time purely to force the root to land on
// 2 without special casing the space map's free-page search.
const rootPageNumber = 2

// Index is one B-link tree. Modelled on manager.DefaultBPlusTreeManager
// for the overall shape (one manager per index, traversal delegating
// to a cursor), with the exact structure modification sequencing
// cross-checked against BTreeIndexManagerImpl.
type Index struct {
	pool        *buffer.Pool
	space       *space.Map
	containerID uint32
	keyCodec    KeyCodec
	locCodec    LocationCodec
	unique      bool
}

// Create allocates and initialises a brand-new, empty index rooted at
// page 2 of containerID.
func Create(pool *buffer.Pool, sm *space.Map, containerID uint32, kc KeyCodec, lc LocationCodec, unique bool, trx *txn.Transaction) (*Index, error) {
	if _, err := sm.AllocatePage(trx.SpaceLogger()); err != nil { // page 1, reserved and unused
		return nil, err
	}
	rootNum, err := sm.AllocatePage(trx.SpaceLogger())
	if err != nil {
		return nil, err
	}
	if rootNum != rootPageNumber {
		logger.Warnf("btree: root landed on page %d, expected %d", rootNum, rootPageNumber)
	}

	idx := &Index{pool: pool, space: sm, containerID: containerID, keyCodec: kc, locCodec: lc, unique: unique}
	root, err := pool.FixExclusive(page.ID{ContainerID: containerID, PageNumber: rootNum}, true, page.TypeBTreeNode)
	if err != nil {
		return nil, err
	}
	newNode(root.Page(), kc, lc, true, unique)
	_, err = idx.logSMO(trx, trx.BeginNestedTopAction(), []*buffer.FixHandle{root})
	root.Unfix()
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Open attaches to an already-initialised index.
func Open(pool *buffer.Pool, sm *space.Map, containerID uint32, kc KeyCodec, lc LocationCodec, unique bool) *Index {
	return &Index{pool: pool, space: sm, containerID: containerID, keyCodec: kc, locCodec: lc, unique: unique}
}

func (idx *Index) rootID() page.ID { return page.ID{ContainerID: idx.containerID, PageNumber: rootPageNumber} }

// RegisterHandlers wires this index's redo and undo logic into mgr
// under ModuleBTree. Only one index's handlers can be registered per
// transaction manager at a time — a deliberate single-active-index
// simplification; see DESIGN.md.
func (idx *Index) RegisterHandlers(mgr *txn.Manager) {
	mgr.RegisterRedoHandler(txn.ModuleBTree, idx.redo)
	mgr.RegisterUndoHandler(txn.ModuleBTree, idx.undo)
}

// lockResource is the comparable key type used for both next-key
// locks (on an index key) and the instant probe lock used to detect
// an in-flight duplicate during a unique-index insert (on a row
// location).
type lockResource struct {
	Container uint32
	Row       bool
	Bytes     string
}

func (idx *Index) keyResource(it indexItem) lockResource {
	if it.Infinity {
		return lockResource{Container: idx.containerID, Bytes: "\xff\xff\xff\xffinfinity"}
	}
	return lockResource{Container: idx.containerID, Bytes: string(idx.keyCodec.Encode(it.Key))}
}

func (idx *Index) rowResource(loc interface{}) lockResource {
	return lockResource{Container: idx.containerID, Row: true, Bytes: string(idx.locCodec.Encode(loc))}
}

// logSMO commits one structure modification as a single nested top
// action: a CLR whose undoNextLsn is l (so rollback skips the whole
// sequence) carrying every touched page's post-image.
func (idx *Index) logSMO(trx *txn.Transaction, l wal.LSN, handles []*buffer.FixHandle) (wal.LSN, error) {
	rec := smoRecordT{Pages: make([]smoPageState, 0, len(handles))}
	for _, h := range handles {
		n := loadNode(h.Page())
		rec.Pages = append(rec.Pages, smoPageState{ID: h.Page().ID(), Header: n.hdr, Items: rawItems(n)})
	}
	lsn, err := trx.CompleteNestedTopAction(txn.ModuleBTree, OpSMO, l, encodeSMORecord(rec))
	if err != nil {
		return wal.NullLSN, err
	}
	for _, h := range handles {
		h.SetDirty(lsn)
	}
	return lsn, nil
}

// covers reports whether n's high key still reaches at least as far
// as key — the cheap half of the undo/scan "does this remembered page
// still hold the key I'm looking for" check; the lower bound is not
// checked, a conscious approximation given the preemptive-split
// design never leaves a page uncovered on its low end once traversal
// has reached it from the root.
func (idx *Index) covers(n *nodeView, key interface{}) bool {
	hk := n.HighKey()
	if hk.Infinity {
		return true
	}
	return idx.keyCodec.Compare(key, hk.Key) <= 0
}

// traverseRead performs the read-mode traversal: shared-fix the root,
// follow the right-sibling chain while the covering key is beyond the
// current page's high key, otherwise descend through the child whose
// entry covers the key, until a leaf is reached.
func (idx *Index) traverseRead(key interface{}) (*buffer.FixHandle, error) {
	cur, err := idx.pool.FixShared(idx.rootID())
	if err != nil {
		return nil, err
	}
	for {
		n := loadNode(cur.Page())
		if !idx.covers(n, key) {
			next, err := idx.pool.FixShared(page.ID{ContainerID: idx.containerID, PageNumber: n.hdr.RightSibling})
			cur.Unfix()
			if err != nil {
				return nil, err
			}
			cur = next
			continue
		}
		if n.IsLeaf() {
			return cur, nil
		}
		slot := n.findChildSlot(key)
		child, err := idx.pool.FixShared(page.ID{ContainerID: idx.containerID, PageNumber: n.Item(slot).ChildPageNumber})
		cur.Unfix()
		if err != nil {
			return nil, err
		}
		cur = child
	}
}

// traverseForUpdate performs the update-mode traversal with
// preemptive splitting: before descending into any child (leaf
// included), that child is split first if it has no room for a
// worst-case insert, so every page this function descends into is
// guaranteed to have room by the time it is reached — a simplified
// substitute for full prepareForUpdate repair; see DESIGN.md.
func (idx *Index) traverseForUpdate(trx *txn.Transaction, probe indexItem) (*buffer.FixHandle, error) {
	cur, err := idx.pool.FixForUpdate(idx.rootID())
	if err != nil {
		return nil, err
	}
	if idx.mustSplit(loadNode(cur.Page()), probe) {
		if err := idx.increaseTreeHeight(trx, cur); err != nil {
			cur.Unfix()
			return nil, err
		}
	}
	curNode := loadNode(cur.Page())
	for !curNode.IsLeaf() {
		slot := curNode.findChildSlot(probe.Key)
		childID := page.ID{ContainerID: idx.containerID, PageNumber: curNode.Item(slot).ChildPageNumber}
		child, err := idx.pool.FixForUpdate(childID)
		if err != nil {
			cur.Unfix()
			return nil, err
		}
		childNode := loadNode(child.Page())
		if idx.mustSplit(childNode, probe) {
			if err := idx.splitChild(trx, cur, child, slot); err != nil {
				child.Unfix()
				cur.Unfix()
				return nil, err
			}
			child.Unfix()
			curNode = loadNode(cur.Page())
			slot = curNode.findChildSlot(probe.Key)
			childID = page.ID{ContainerID: idx.containerID, PageNumber: curNode.Item(slot).ChildPageNumber}
			child, err = idx.pool.FixForUpdate(childID)
			if err != nil {
				cur.Unfix()
				return nil, err
			}
			childNode = loadNode(child.Page())
		}
		cur.Unfix()
		cur = child
		curNode = childNode
	}
	return cur, nil
}

func (idx *Index) mustSplit(n *nodeView, probe indexItem) bool {
	need := n.itemSpace(probe)
	return n.pg.GetFreeSpace() < need*2
}

// descendToLeaf is the plain, non-preemptive update-mode descent used
// by logical undo, which only ever shrinks a page and so never needs
// room guaranteed ahead of time.
func (idx *Index) descendToLeaf(key interface{}) (*buffer.FixHandle, error) {
	cur, err := idx.pool.FixForUpdate(idx.rootID())
	if err != nil {
		return nil, err
	}
	for {
		n := loadNode(cur.Page())
		if n.IsLeaf() {
			return cur, nil
		}
		slot := n.findChildSlot(key)
		child, err := idx.pool.FixForUpdate(page.ID{ContainerID: idx.containerID, PageNumber: n.Item(slot).ChildPageNumber})
		cur.Unfix()
		if err != nil {
			return nil, err
		}
		cur = child
	}
}

// traverseToLeafKeepingParent descends to the leaf covering key,
// keeping the leaf's immediate parent fixed in update mode so a
// caller can merge or redistribute the leaf with its right sibling
// in the same critical section. Delete needs this; Insert does not,
// since preemptive splitting never needs to revisit a parent once the
// leaf is reached.
func (idx *Index) traverseToLeafKeepingParent(key interface{}) (parent, leaf *buffer.FixHandle, slotInParent int, err error) {
	root, err := idx.pool.FixForUpdate(idx.rootID())
	if err != nil {
		return nil, nil, 0, err
	}
	rn := loadNode(root.Page())
	if rn.IsLeaf() {
		return nil, root, -1, nil
	}
	cur := root
	curNode := rn
	for {
		slot := curNode.findChildSlot(key)
		childID := page.ID{ContainerID: idx.containerID, PageNumber: curNode.Item(slot).ChildPageNumber}
		child, err := idx.pool.FixForUpdate(childID)
		if err != nil {
			cur.Unfix()
			return nil, nil, 0, err
		}
		childNode := loadNode(child.Page())
		if childNode.IsLeaf() {
			return cur, child, slot, nil
		}
		cur.Unfix()
		cur = child
		curNode = childNode
	}
}

// Insert adds (key, location) to the index: traverse for update
// (splitting full pages on the way down), check uniqueness, acquire
// the next-key lock, log, mutate.
func (idx *Index) Insert(trx *txn.Transaction, key, location interface{}) error {
	probe := indexItem{Key: key, HasLocation: true, Location: location}
	for {
		leaf, err := idx.traverseForUpdate(trx, probe)
		if err != nil {
			return err
		}
		n := loadNode(leaf.Page())

		if idx.unique {
			keySlot, keyExact := n.search(indexItem{Key: key}, false)
			if keyExact && !n.Item(keySlot).Infinity {
				existing := n.Item(keySlot)
				leaf.Unfix()
				violated, err := idx.checkUniqueViolation(trx, existing.Location)
				if err != nil {
					return err
				}
				if violated {
					return errors.Wrap(errs.ErrUniqueConstraintViolation, "btree: duplicate key")
				}
				continue // the conflicting row's own transaction is resolving; retry
			}
		}

		slot, exact := n.search(probe, true)
		if exact {
			leaf.Unfix()
			return errors.Wrap(errs.ErrUniqueConstraintViolation, "btree: duplicate (key, location)")
		}
		nextKey := idx.keyResource(n.Item(slot))
		granted, err := trx.Locker().AcquireConditional(trx.ID(), nextKey, lock.ModeX, lock.DurationInstant)
		if err != nil {
			leaf.Unfix()
			return err
		}
		if !granted {
			leaf.Unfix()
			if err := trx.Locker().Acquire(context.Background(), trx.ID(), nextKey, lock.ModeX, lock.DurationInstant); err != nil {
				return err
			}
			continue
		}

		body := encodeKVRecord(kvRecord{
			PageID:     leaf.Page().ID(),
			KeyCodecID: idx.keyCodec.ID(), LocCodecID: idx.locCodec.ID(),
			KeyBytes: idx.keyCodec.Encode(key), LocBytes: idx.locCodec.Encode(location),
		})
		if _, err := trx.LogInsert(txn.ModuleBTree, OpInsert, wal.Redoable|wal.Undoable|wal.LogicalUndo, body, leaf); err != nil {
			leaf.Unfix()
			return err
		}
		n.insertItemAt(slot, probe)
		leaf.Unfix()
		return nil
	}
}

// checkUniqueViolation performs the duplicate-key check: try an
// instant shared lock on the existing row's location;
// if granted, no other transaction holds a conflicting lock on that
// row and this is reported as a violation (Insert takes no row lock,
// so a row inserted by a still-active transaction is reported the
// same way); if the conditional acquire fails, the row is locked by
// an in-flight transaction that may yet abort, so wait for it
// unconditionally and let the caller retry the whole insert. Called
// with no page latch held, since it may block.
func (idx *Index) checkUniqueViolation(trx *txn.Transaction, existingLoc interface{}) (bool, error) {
	res := idx.rowResource(existingLoc)
	granted, err := trx.Locker().AcquireConditional(trx.ID(), res, lock.ModeS, lock.DurationInstant)
	if err != nil {
		return false, err
	}
	if granted {
		return true, nil
	}
	if err := trx.Locker().Acquire(context.Background(), trx.ID(), res, lock.ModeS, lock.DurationInstant); err != nil {
		return false, err
	}
	return false, nil
}

// Delete removes (key, location) from the index.
func (idx *Index) Delete(trx *txn.Transaction, key, location interface{}) error {
	probe := indexItem{Key: key, HasLocation: true, Location: location}
	for {
		parent, leaf, slotInParent, err := idx.traverseToLeafKeepingParent(key)
		if err != nil {
			return err
		}
		n := loadNode(leaf.Page())
		slot, exact := n.search(probe, true)
		if !exact || n.Item(slot).Infinity {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			return errors.Wrap(errs.ErrKeyNotFound, "btree: delete target absent")
		}

		nextKey := idx.keyResource(n.Item(slot + 1))
		granted, err := trx.Locker().AcquireConditional(trx.ID(), nextKey, lock.ModeX, lock.DurationManual)
		if err != nil {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			return err
		}
		if !granted {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			if err := trx.Locker().Acquire(context.Background(), trx.ID(), nextKey, lock.ModeX, lock.DurationManual); err != nil {
				return err
			}
			continue
		}

		// Lock the row itself so a concurrent scan holding it in shared
		// mode serialises against this delete instead of observing a
		// row disappear mid-read.
		rowGranted, err := trx.Locker().AcquireConditional(trx.ID(), idx.rowResource(location), lock.ModeX, lock.DurationManual)
		if err != nil {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			return err
		}
		if !rowGranted {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			if err := trx.Locker().Acquire(context.Background(), trx.ID(), idx.rowResource(location), lock.ModeX, lock.DurationManual); err != nil {
				return err
			}
			continue
		}

		body := encodeKVRecord(kvRecord{
			PageID:     leaf.Page().ID(),
			KeyCodecID: idx.keyCodec.ID(), LocCodecID: idx.locCodec.ID(),
			KeyBytes: idx.keyCodec.Encode(key), LocBytes: idx.locCodec.Encode(location),
		})
		if _, err := trx.LogInsert(txn.ModuleBTree, OpDelete, wal.Redoable|wal.Undoable|wal.LogicalUndo, body, leaf); err != nil {
			if parent != nil {
				parent.Unfix()
			}
			leaf.Unfix()
			return err
		}
		n.removeItemAt(slot)

		if parent != nil && n.realItemCount() < minRealItems {
			if err := idx.tryMergeOrRedistribute(trx, parent, leaf, slotInParent); err != nil {
				parent.Unfix()
				leaf.Unfix()
				return err
			}
			if parent.Page().ID().PageNumber == rootPageNumber {
				_ = idx.decreaseTreeHeight(trx, parent)
			}
		}
		if parent != nil {
			parent.Unfix()
		}
		leaf.Unfix()
		return nil
	}
}
