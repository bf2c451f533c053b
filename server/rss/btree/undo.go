package btree

import (
	"github.com/simpledbm/rss/server/rss/buffer"
	"github.com/simpledbm/rss/server/rss/page"
	"github.com/simpledbm/rss/server/rss/txn"
	"github.com/simpledbm/rss/server/rss/wal"
)

// redo dispatches a Redoable ModuleBTree record to the right physical
// or structural replay, each responsible for its own idempotency
// check against the target page's current LSN.
func (idx *Index) redo(rec *wal.Record, payload txn.Payload) error {
	switch payload.OpCode {
	case OpInsert, OpUndoDelete:
		return idx.redoApply(rec, payload, true)
	case OpDelete, OpUndoInsert:
		return idx.redoApply(rec, payload, false)
	case OpSMO:
		return idx.redoSMO(rec, payload)
	}
	return nil
}

// redoApply physically replays an insert or delete of one (key,
// location) pair against the page the original operation targeted.
// OpInsert and OpUndoDelete (a CLR that reinserted) both insert;
// OpDelete and OpUndoInsert (a CLR that removed) both remove.
func (idx *Index) redoApply(rec *wal.Record, payload txn.Payload, insert bool) error {
	kv := decodeKVRecord(payload.Body)
	h, err := idx.pool.FixExclusive(kv.PageID, false, page.TypeBTreeNode)
	if err != nil {
		return err
	}
	defer h.Unfix()
	if !h.Page().GetPageLsn().Less(rec.LSN) {
		return nil
	}
	n := loadNode(h.Page())
	probe := indexItem{
		Key: idx.keyCodec.Decode(kv.KeyBytes), HasLocation: true,
		Location: idx.locCodec.Decode(kv.LocBytes),
	}
	slot, exact := n.search(probe, true)
	if insert && !exact {
		n.insertItemAt(slot, probe)
	} else if !insert && exact {
		n.removeItemAt(slot)
	}
	h.Page().SetPageLsn(rec.LSN)
	h.SetDirty(rec.LSN)
	return nil
}

// redoSMO replays a structure modification's recorded post-images
// verbatim onto every page it touched whose LSN hasn't already
// caught up — physical, idempotent by construction.
func (idx *Index) redoSMO(rec *wal.Record, payload txn.Payload) error {
	smo, err := decodeSMORecord(payload.Body)
	if err != nil {
		return err
	}
	for _, ps := range smo.Pages {
		h, err := idx.pool.FixExclusive(ps.ID, false, page.TypeBTreeNode)
		if err != nil {
			return err
		}
		if h.Page().GetPageLsn().Less(rec.LSN) {
			h.Page().ResetSlots()
			_ = h.Page().InsertAt(0, encodeHeader(ps.Header), false)
			for i, item := range ps.Items {
				_ = h.Page().InsertAt(i+1, item, false)
			}
			h.Page().SetPageLsn(rec.LSN)
			h.SetDirty(rec.LSN)
		}
		h.Unfix()
	}
	return nil
}

// undo dispatches a rollback-time undo of one ModuleBTree record to
// its logical handler.
func (idx *Index) undo(t *txn.Transaction, original *wal.Record) error {
	payload := txn.DecodePayload(original.Payload)
	switch payload.OpCode {
	case OpInsert:
		return idx.undoInsert(t, original, payload)
	case OpDelete:
		return idx.undoDelete(t, original, payload)
	}
	return nil
}

// undoInsert is modelled on UndoInsertOperation: physically remove
// the key. If the page the original insert targeted still has
// the same LSN (nothing has touched it since) or still plainly covers
// the key, remove it there directly; otherwise the key may have moved
// due to an intervening split, so retraverse to find it.
func (idx *Index) undoInsert(t *txn.Transaction, original *wal.Record, payload txn.Payload) error {
	kv := decodeKVRecord(payload.Body)
	key := idx.keyCodec.Decode(kv.KeyBytes)
	loc := idx.locCodec.Decode(kv.LocBytes)
	probe := indexItem{Key: key, HasLocation: true, Location: loc}

	h, err := idx.pool.FixExclusive(kv.PageID, false, page.TypeBTreeNode)
	if err != nil {
		return err
	}
	n := loadNode(h.Page())
	target := h
	if !(h.Page().GetPageLsn().Equal(original.LSN) || (!n.IsDeallocated() && n.IsLeaf() && idx.covers(n, key))) {
		h.Unfix()
		target, err = idx.descendToLeaf(key)
		if err != nil {
			return err
		}
		n = loadNode(target.Page())
	}
	if slot, exact := n.search(probe, true); exact {
		n.removeItemAt(slot)
	}
	body := encodeKVRecord(kvRecord{
		PageID: target.Page().ID(), KeyCodecID: kv.KeyCodecID, LocCodecID: kv.LocCodecID,
		KeyBytes: kv.KeyBytes, LocBytes: kv.LocBytes,
	})
	_, err = t.LogCLR(txn.ModuleBTree, OpUndoInsert, body, original.PrevLSN, target)
	target.Unfix()
	return err
}

// undoDelete is modelled on UndoDeleteOperation: physically reinsert
// the key, splitting the target page first (via the preemptive-split
// traversal) if it no longer has room.
func (idx *Index) undoDelete(t *txn.Transaction, original *wal.Record, payload txn.Payload) error {
	kv := decodeKVRecord(payload.Body)
	key := idx.keyCodec.Decode(kv.KeyBytes)
	loc := idx.locCodec.Decode(kv.LocBytes)
	probe := indexItem{Key: key, HasLocation: true, Location: loc}

	h, err := idx.pool.FixExclusive(kv.PageID, false, page.TypeBTreeNode)
	if err != nil {
		return err
	}
	n := loadNode(h.Page())
	var target *buffer.FixHandle
	if (h.Page().GetPageLsn().Equal(original.LSN) || (!n.IsDeallocated() && n.IsLeaf() && idx.covers(n, key))) &&
		h.Page().GetFreeSpace() >= n.itemSpace(probe)*2 {
		target = h
	} else {
		h.Unfix()
		target, err = idx.traverseForUpdate(t, probe)
		if err != nil {
			return err
		}
		n = loadNode(target.Page())
	}
	if slot, exact := n.search(probe, true); !exact {
		n.insertItemAt(slot, probe)
	}
	body := encodeKVRecord(kvRecord{
		PageID: target.Page().ID(), KeyCodecID: kv.KeyCodecID, LocCodecID: kv.LocCodecID,
		KeyBytes: kv.KeyBytes, LocBytes: kv.LocBytes,
	})
	_, err = t.LogCLR(txn.ModuleBTree, OpUndoDelete, body, original.PrevLSN, target)
	target.Unfix()
	return err
}
