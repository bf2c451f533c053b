package btree

import "github.com/simpledbm/rss/server/rss/page"

// nodeView decodes a fixed page's slot 0 header once and provides the
// item-level operations the rest of the package works in terms of —
// analogous to BTreeIndexManagerImpl wrapping a raw page with parsed
// header fields before handing it to traversal code.
type nodeView struct {
	pg  *page.Page
	hdr nodeHeader
	kc  KeyCodec
	lc  LocationCodec
}

func loadNode(pg *page.Page) *nodeView {
	hdr := decodeHeader(pg.Get(0))
	return &nodeView{pg: pg, hdr: hdr, kc: keyCodecByID(hdr.KeyCodecID), lc: locCodecByID(hdr.LocCodecID)}
}

// newNode initialises a fresh page (leaf or non-leaf) with an empty
// header and, for a leaf, a single high-key item set to infinity — a
// brand-new rightmost-of-everything page.
func newNode(pg *page.Page, kc KeyCodec, lc LocationCodec, leaf, unique bool) *nodeView {
	pg.ResetSlots()
	pg.SetFlag(FlagLeaf, leaf)
	pg.SetFlag(FlagUnique, unique)
	hdr := nodeHeader{KeyCodecID: kc.ID(), LocCodecID: lc.ID(), LeftSibling: noSibling, RightSibling: noSibling}
	n := &nodeView{pg: pg, hdr: hdr, kc: kc, lc: lc}
	n.persistHeader()
	if leaf {
		n.appendItem(indexItem{Infinity: true})
	}
	return n
}

func (n *nodeView) persistHeader() {
	_ = n.pg.InsertAt(0, encodeHeader(n.hdr), n.pg.NumSlots() > 0)
}

func (n *nodeView) IsLeaf() bool        { return n.pg.HasFlag(page.Flag(FlagLeaf)) }
func (n *nodeView) IsUnique() bool      { return n.pg.HasFlag(page.Flag(FlagUnique)) }
func (n *nodeView) IsDeallocated() bool { return n.pg.HasFlag(page.Flag(FlagDeallocated)) }
func (n *nodeView) KeyCount() int       { return int(n.hdr.KeyCount) }

func (n *nodeView) Item(slot int) indexItem { return decodeItem(n.pg.Get(slot), n.kc, n.lc) }
func (n *nodeView) HighKey() indexItem      { return n.Item(n.KeyCount()) }

func (n *nodeView) insertItemAt(slot int, it indexItem) {
	_ = n.pg.InsertAt(slot, encodeItem(it, n.kc, n.lc), false)
	n.hdr.KeyCount++
	n.persistHeader()
}

func (n *nodeView) appendItem(it indexItem) { n.insertItemAt(n.KeyCount()+1, it) }

func (n *nodeView) replaceItemAt(slot int, it indexItem) {
	_ = n.pg.InsertAt(slot, encodeItem(it, n.kc, n.lc), true)
}

func (n *nodeView) removeItemAt(slot int) {
	_ = n.pg.Purge(slot)
	n.hdr.KeyCount--
	n.persistHeader()
}

// search returns the lowest slot in [1, KeyCount] whose item is >=
// probe, and whether that slot is an exact match. When withLocation
// is false, comparison is by key alone (used for descent); when true,
// the full (key, location) comparator is used (used for precise
// insert/delete positioning in a leaf).
func (n *nodeView) search(probe indexItem, withLocation bool) (slot int, exact bool) {
	lo, hi := 1, n.KeyCount()
	for lo <= hi {
		mid := (lo + hi) / 2
		it := n.Item(mid)
		var c int
		if withLocation {
			c = compareItems(it, probe, n.kc, n.lc)
		} else if it.Infinity {
			c = 1
		} else {
			c = n.kc.Compare(it.Key, probe.Key)
		}
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return lo, false
}

// findChildSlot locates the child entry covering key in a non-leaf
// node: the first item whose key is >= the search key, whose
// childPageNumber the traversal follows next.
func (n *nodeView) findChildSlot(key interface{}) int {
	slot, _ := n.search(indexItem{Key: key}, false)
	if slot > n.KeyCount() {
		slot = n.KeyCount()
	}
	return slot
}

// itemSpace estimates the directory cost of storing it, used by the
// preemptive-split fullness check.
func (n *nodeView) itemSpace(it indexItem) int {
	return len(encodeItem(it, n.kc, n.lc)) + n.pg.GetSlotOverhead()
}

// minRealItems is the floor below which a non-root leaf is considered
// underflowed and a candidate for merge or redistribute. A small,
// count-based threshold rather than a byte-space fraction, deliberately
// simpler than published repair protocols.
const minRealItems = 1

func (n *nodeView) realItemCount() int {
	if n.IsLeaf() {
		return n.KeyCount() - 1
	}
	return n.KeyCount()
}
