package btree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simpledbm/rss/server/rss/page"
)

// smoLeafPair builds two adjacent leaf pages (q, r) pre-loaded with
// the given real keys (each keyed to a RowIDLocation on container 1,
// page number == its position) plus the high-key sentinel every leaf
// carries, without going through storage/buffer/txn at all — smo.go's
// move/merge helpers only ever touch the nodeView, not the pool.
func smoLeafPair(t *testing.T, qKeys, rKeys []string) (*nodeView, *nodeView) {
	t.Helper()
	qPage := page.New(page.ID{ContainerID: 1, PageNumber: 10}, page.TypeBTreeNode, 4096)
	rPage := page.New(page.ID{ContainerID: 1, PageNumber: 11}, page.TypeBTreeNode, 4096)
	q := newNode(qPage, VarcharCodec{}, RowIDCodec{}, true, true)
	r := newNode(rPage, VarcharCodec{}, RowIDCodec{}, true, true)

	fill := func(n *nodeView, keys []string) {
		n.removeItemAt(n.KeyCount()) // drop the placeholder infinity boundary
		for i, k := range keys {
			n.appendItem(indexItem{Key: k, HasLocation: true, Location: RowIDLocation{ContainerID: 1, PageNumber: uint32(i + 1)}})
		}
		n.appendItem(indexItem{Infinity: true})
	}
	fill(q, qKeys)
	fill(r, rKeys)
	return q, r
}

func realKeys(n *nodeView) []string {
	var out []string
	for i := 1; i <= n.realItemCount(); i++ {
		out = append(out, n.Item(i).Key.(string))
	}
	return out
}

func TestMoveOneRightShrinksQGrowsR(t *testing.T) {
	idx := &Index{keyCodec: VarcharCodec{}, locCodec: RowIDCodec{}}
	q, r := smoLeafPair(t, []string{"a1", "a2", "a3"}, []string{"b1"})

	idx.moveOneRight(q, r)

	require.Equal(t, []string{"a1", "a2"}, realKeys(q))
	require.Equal(t, []string{"a3", "b1"}, realKeys(r))
	require.Equal(t, "a3", q.HighKey().Key, "q's new boundary must track the item that moved, not be left stale")
}

func TestMoveOneLeftShrinksRGrowsQ(t *testing.T) {
	idx := &Index{keyCodec: VarcharCodec{}, locCodec: RowIDCodec{}}
	q, r := smoLeafPair(t, []string{"a1"}, []string{"b1", "b2", "b3"})

	idx.moveOneLeft(q, r)

	require.Equal(t, []string{"a1", "b1"}, realKeys(q))
	require.Equal(t, []string{"b2", "b3"}, realKeys(r))
	require.Equal(t, "b2", q.HighKey().Key, "q's new boundary must track r's new first item")
}

// TestDoRedistributePicksTheFullerSide checks doRedistribute routes to
// moveOneRight when q has the surplus and to moveOneLeft when r does.
func TestDoRedistributePicksTheFullerSide(t *testing.T) {
	idx := &Index{keyCodec: VarcharCodec{}, locCodec: RowIDCodec{}}

	q, r := smoLeafPair(t, []string{"a1", "a2", "a3"}, []string{"b1"})
	idx.doRedistribute(q, r)
	require.Equal(t, []string{"a1", "a2"}, realKeys(q))
	require.Equal(t, []string{"a3", "b1"}, realKeys(r))

	q2, r2 := smoLeafPair(t, []string{"a1"}, []string{"b1", "b2", "b3"})
	idx.doRedistribute(q2, r2)
	require.Equal(t, []string{"a1", "b1"}, realKeys(q2))
	require.Equal(t, []string{"b2", "b3"}, realKeys(r2))
}

// TestDoMergeMovesEveryItemAndDeallocatesR checks a full merge folds
// all of r's real items behind q's, dropping q's own boundary first,
// and marks r deallocated.
func TestDoMergeMovesEveryItemAndDeallocatesR(t *testing.T) {
	idx := &Index{keyCodec: VarcharCodec{}, locCodec: RowIDCodec{}}
	q, r := smoLeafPair(t, []string{"a1"}, []string{"b1", "b2"})
	r.hdr.RightSibling = 99

	idx.doMerge(q, r)

	require.Equal(t, []string{"a1", "b1", "b2"}, realKeys(q))
	require.Equal(t, uint32(99), q.hdr.RightSibling)
	require.True(t, r.IsDeallocated())
}

// TestCanMergeReportsFitByFreeSpace checks canMerge compares r's items
// against q's remaining free space rather than always answering true.
func TestCanMergeReportsFitByFreeSpace(t *testing.T) {
	idx := &Index{keyCodec: VarcharCodec{}, locCodec: RowIDCodec{}}
	q, r := smoLeafPair(t, []string{"a1"}, []string{"b1", "b2"})
	require.True(t, idx.canMerge(q, r), "small pages with plenty of free space should fit")

	qTight := page.New(page.ID{ContainerID: 1, PageNumber: 12}, page.TypeBTreeNode, 64)
	qTightView := newNode(qTight, VarcharCodec{}, RowIDCodec{}, true, true)
	require.False(t, idx.canMerge(qTightView, r), "a near-full tiny page should not fit r's items")
}

// TestUnderflowIsRealItemCountNotKeyCount checks realItemCount treats
// a leaf's trailing high-key boundary as bookkeeping, not a real row,
// so a leaf with one real row plus its boundary sits at the
// minRealItems threshold rather than one above it (Delete repairs a
// leaf only once it drops below that threshold).
func TestUnderflowIsRealItemCountNotKeyCount(t *testing.T) {
	q, _ := smoLeafPair(t, []string{"a1"}, nil)
	require.Equal(t, 2, q.KeyCount())
	require.Equal(t, 1, q.realItemCount())
	require.LessOrEqual(t, q.realItemCount(), minRealItems)
}
