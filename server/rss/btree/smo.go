package btree

import (
	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/txn"
)

// splitChild performs Split(Q) followed by Link(P, Q, R) as one
// nested top action, fused because this implementation always
// completes a split's parent update before releasing any latch, so a
// "dangling" unlinked right sibling never persists (see DESIGN.md).
// parent and child must already be update-latched; slotInParent is
// child's entry in parent.
func (idx *Index) splitChild(trx *txn.Transaction, parent, child *buffer.FixHandle, slotInParent int) error {
	l := trx.BeginNestedTopAction()

	rPageNum, err := idx.space.AllocatePage(trx.SpaceLogger())
	if err != nil {
		return err
	}
	rHandle, err := idx.pool.FixExclusive(page.ID{ContainerID: idx.containerID, PageNumber: rPageNum}, true, page.TypeBTreeNode)
	if err != nil {
		return err
	}
	child.UpgradeUpdateLatch()
	parent.UpgradeUpdateLatch()

	q := loadNode(child.Page())
	oldHigh := q.HighKey()
	oldRight := q.hdr.RightSibling
	leaf := q.IsLeaf()

	r := newNode(rHandle.Page(), idx.keyCodec, idx.locCodec, leaf, idx.unique)
	if leaf {
		r.removeItemAt(1) // drop the placeholder infinity item newNode seeded; real items follow
	}

	var qNewHigh indexItem
	if leaf {
		total := q.KeyCount() // includes Q's current high-key item
		mid := total / 2
		if mid < 1 {
			mid = 1
		}
		for i := mid + 1; i <= total; i++ {
			r.appendItem(q.Item(i))
		}
		boundary := q.Item(mid + 1)
		qNewHigh = indexItem{Key: boundary.Key, Infinity: boundary.Infinity}
		for i := total; i > mid; i-- {
			q.removeItemAt(i)
		}
		q.appendItem(qNewHigh)
	} else {
		total := q.KeyCount()
		mid := total / 2
		if mid < 1 {
			mid = 1
		}
		for i := mid + 1; i <= total; i++ {
			r.appendItem(q.Item(i))
		}
		for i := total; i > mid; i-- {
			q.removeItemAt(i)
		}
		qNewHigh = q.HighKey() // Q's remaining last entry doubles as its new high key
	}

	r.hdr.LeftSibling = child.Page().ID().PageNumber
	r.hdr.RightSibling = oldRight
	r.persistHeader()
	q.hdr.RightSibling = rPageNum
	q.persistHeader()

	p := loadNode(parent.Page())
	existing := p.Item(slotInParent)
	p.replaceItemAt(slotInParent, indexItem{
		Key: qNewHigh.Key, Infinity: qNewHigh.Infinity,
		HasLocation: existing.HasLocation, Location: existing.Location,
		ChildPageNumber: child.Page().ID().PageNumber,
	})
	p.insertItemAt(slotInParent+1, indexItem{
		Key: oldHigh.Key, Infinity: oldHigh.Infinity,
		HasLocation: existing.HasLocation, Location: existing.Location,
		ChildPageNumber: rPageNum,
	})

	_, err = idx.logSMO(trx, l, []*buffer.FixHandle{parent, child, rHandle})
	rHandle.Unfix()
	return err
}

// increaseTreeHeight moves root's entire content to a freshly
// allocated page and rewrites the root as a single-entry non-leaf
// pointing at it. root must already be update-latched.
func (idx *Index) increaseTreeHeight(trx *txn.Transaction, root *buffer.FixHandle) error {
	l := trx.BeginNestedTopAction()

	newPageNum, err := idx.space.AllocatePage(trx.SpaceLogger())
	if err != nil {
		return err
	}
	newHandle, err := idx.pool.FixExclusive(page.ID{ContainerID: idx.containerID, PageNumber: newPageNum}, true, page.TypeBTreeNode)
	if err != nil {
		return err
	}
	root.UpgradeUpdateLatch()

	rn := loadNode(root.Page())
	wasLeaf := rn.IsLeaf()
	items := make([]indexItem, rn.KeyCount())
	for i := 1; i <= rn.KeyCount(); i++ {
		items[i-1] = rn.Item(i)
	}

	nn := newNode(newHandle.Page(), idx.keyCodec, idx.locCodec, wasLeaf, idx.unique)
	if wasLeaf {
		nn.removeItemAt(1)
	}
	for _, it := range items {
		nn.appendItem(it)
	}
	nn.hdr.LeftSibling = noSibling
	nn.hdr.RightSibling = noSibling
	nn.persistHeader()

	root.Page().ResetSlots()
	newRoot := newNode(root.Page(), idx.keyCodec, idx.locCodec, false, idx.unique)
	newRoot.appendItem(indexItem{Infinity: true, HasLocation: !idx.unique, ChildPageNumber: newPageNum})

	_, err = idx.logSMO(trx, l, []*buffer.FixHandle{root, newHandle})
	newHandle.Unfix()
	return err
}

// decreaseTreeHeight absorbs root's sole child into the root page
// when that child has no right sibling. root must be update-latched;
// the function itself returns without change unless root is a
// non-leaf with exactly one entry.
func (idx *Index) decreaseTreeHeight(trx *txn.Transaction, root *buffer.FixHandle) error {
	rn := loadNode(root.Page())
	if rn.IsLeaf() || rn.KeyCount() != 1 {
		return nil
	}
	childNum := rn.Item(1).ChildPageNumber
	child, err := idx.pool.FixForUpdate(page.ID{ContainerID: idx.containerID, PageNumber: childNum})
	if err != nil {
		return err
	}
	cn := loadNode(child.Page())
	if cn.hdr.RightSibling != noSibling {
		child.Unfix()
		return nil
	}

	l := trx.BeginNestedTopAction()
	root.UpgradeUpdateLatch()
	child.UpgradeUpdateLatch()

	wasLeaf := cn.IsLeaf()
	items := make([]indexItem, cn.KeyCount())
	for i := 1; i <= cn.KeyCount(); i++ {
		items[i-1] = cn.Item(i)
	}

	root.Page().ResetSlots()
	newRoot := newNode(root.Page(), idx.keyCodec, idx.locCodec, wasLeaf, idx.unique)
	if wasLeaf {
		newRoot.removeItemAt(1)
	}
	for _, it := range items {
		newRoot.appendItem(it)
	}
	newRoot.hdr.LeftSibling = noSibling
	newRoot.hdr.RightSibling = noSibling
	newRoot.persistHeader()

	child.Page().SetFlag(FlagDeallocated, true)
	if err := idx.space.FreePage(trx.SpaceLogger(), childNum); err != nil {
		child.Unfix()
		return err
	}

	_, err = idx.logSMO(trx, l, []*buffer.FixHandle{root, child})
	child.Unfix()
	return err
}

// tryMergeOrRedistribute implements the Merge and Redistribute
// structure modifications. q is the underflowed page (already update
// latched via the caller's delete traversal); parent is its immediate
// parent, qSlot q's entry in parent. If q is already the rightmost
// child under parent, nothing happens — an indirect right sibling
// reachable only through a grandparent is out of scope for this
// implementation's simplified repair set (see DESIGN.md).
func (idx *Index) tryMergeOrRedistribute(trx *txn.Transaction, parent, q *buffer.FixHandle, qSlot int) error {
	pn := loadNode(parent.Page())
	if qSlot+1 > pn.KeyCount() {
		return nil
	}
	rItem := pn.Item(qSlot + 1)
	rHandle, err := idx.pool.FixForUpdate(page.ID{ContainerID: idx.containerID, PageNumber: rItem.ChildPageNumber})
	if err != nil {
		return err
	}
	defer rHandle.Unfix()

	qn := loadNode(q.Page())
	rn := loadNode(rHandle.Page())

	l := trx.BeginNestedTopAction()
	q.UpgradeUpdateLatch()
	rHandle.UpgradeUpdateLatch()
	parent.UpgradeUpdateLatch()

	if idx.canMerge(qn, rn) {
		idx.doMerge(qn, rn)
		pn.removeItemAt(qSlot)
		shifted := pn.Item(qSlot)
		pn.replaceItemAt(qSlot, indexItem{
			Key: shifted.Key, Infinity: shifted.Infinity,
			HasLocation: shifted.HasLocation, Location: shifted.Location,
			ChildPageNumber: q.Page().ID().PageNumber,
		})
		if err := idx.space.FreePage(trx.SpaceLogger(), rHandle.Page().ID().PageNumber); err != nil {
			return err
		}
	} else {
		idx.doRedistribute(qn, rn)
		newHigh := qn.HighKey()
		old := pn.Item(qSlot)
		pn.replaceItemAt(qSlot, indexItem{
			Key: newHigh.Key, Infinity: newHigh.Infinity,
			HasLocation: old.HasLocation, Location: old.Location,
			ChildPageNumber: old.ChildPageNumber,
		})
	}

	_, err = idx.logSMO(trx, l, []*buffer.FixHandle{parent, q, rHandle})
	return err
}

// canMerge reports whether q and r's real items together fit in one
// page, a byte-space check against q's free space plus its own
// current usage (a conservative stand-in for measuring both pages'
// raw bytes directly).
func (idx *Index) canMerge(q, r *nodeView) bool {
	needed := 0
	for i := 1; i <= r.KeyCount(); i++ {
		needed += r.itemSpace(r.Item(i))
	}
	return q.pg.GetFreeSpace() >= needed
}

// doMerge moves every item of r into q, dropping q's own leaf high
// key first so r's items (including r's high key, which becomes q's
// new high key) land directly after q's last real item.
func (idx *Index) doMerge(q, r *nodeView) {
	if q.IsLeaf() {
		q.removeItemAt(q.KeyCount())
	}
	for i := 1; i <= r.KeyCount(); i++ {
		q.appendItem(r.Item(i))
	}
	q.hdr.RightSibling = r.hdr.RightSibling
	q.persistHeader()
	r.pg.SetFlag(FlagDeallocated, true)
}

// doRedistribute moves exactly one item between q and r, whichever
// direction evens them out. Simpler than published variants, which
// move items in bulk to exactly balance both pages; moving one key at
// a time suffices here.
func (idx *Index) doRedistribute(q, r *nodeView) {
	qReal, rReal := q.realItemCount(), r.realItemCount()
	if qReal > rReal {
		idx.moveOneRight(q, r)
	} else {
		idx.moveOneLeft(q, r)
	}
}

// moveOneRight relocates q's last real item to become r's new first
// item, fixing up q's boundary and leaving r's high key untouched.
func (idx *Index) moveOneRight(q, r *nodeView) {
	var lastRealSlot int
	if q.IsLeaf() {
		lastRealSlot = q.KeyCount() - 1
	} else {
		lastRealSlot = q.KeyCount()
	}
	moved := q.Item(lastRealSlot)
	r.insertItemAt(1, moved)
	q.removeItemAt(lastRealSlot)
	if q.IsLeaf() {
		q.removeItemAt(q.KeyCount()) // drop q's now-stale old boundary
		q.appendItem(indexItem{Key: moved.Key, Infinity: moved.Infinity})
	}
}

// moveOneLeft relocates r's first real item to become q's new last
// real item (leaves keep a boundary entry; non-leaves don't).
func (idx *Index) moveOneLeft(q, r *nodeView) {
	moved := r.Item(1)
	r.removeItemAt(1)
	if q.IsLeaf() {
		q.removeItemAt(q.KeyCount()) // drop q's old boundary
		q.appendItem(moved)
		newBoundary := indexItem{Infinity: true}
		if r.KeyCount() >= 1 {
			nb := r.Item(1)
			newBoundary = indexItem{Key: nb.Key, Infinity: nb.Infinity}
		}
		q.appendItem(newBoundary)
	} else {
		q.appendItem(moved)
	}
}
