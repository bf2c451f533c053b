// Package txn implements the transaction manager: per-transaction LSN
// chains, savepoints, commit/abort, nested top actions, and the ARIES
// three-pass restart recovery protocol.
//
// Modelled on manager.TransactionManager (active transaction table,
// Begin/Commit/Rollback shape) generalised from its flat redo/undo log
// lists to a synchronous, single write-ahead log model, with the exact
// LSN-chain-walk shape of rollback and nested top actions
// cross-checked against TransactionManagerImpl.
package txn

import "encoding/binary"

// Payload is the self-describing envelope every transaction-owned log
// record carries. The underlying log record has no dedicated txnID
// field of its own ({length, lsn, prevLsn, payload, checksum}), so
// this package stamps the owning transaction and a module/opcode
// routing pair into the front of every payload it writes; recovery
// analysis decodes exactly this envelope to reconstruct the
// active-transaction table without needing any other module's
// cooperation.
//
// Layout: {txnID:8}{moduleID:1}{opCode:1}{body...}.
type Payload struct {
	TxnID    uint64
	ModuleID byte
	OpCode   byte
	Body     []byte
}

const (
	ModuleSpace byte = 1
	ModuleBTree byte = 2
	ModuleTxn   byte = 3 // begin/commit/abort bookkeeping records with no handler
)

const (
	OpTxnBegin  byte = 1
	OpTxnCommit byte = 2
)

func EncodePayload(p Payload) []byte {
	buf := make([]byte, 10+len(p.Body))
	binary.BigEndian.PutUint64(buf[0:8], p.TxnID)
	buf[8] = p.ModuleID
	buf[9] = p.OpCode
	copy(buf[10:], p.Body)
	return buf
}

func DecodePayload(buf []byte) Payload {
	if len(buf) < 10 {
		return Payload{}
	}
	return Payload{
		TxnID:    binary.BigEndian.Uint64(buf[0:8]),
		ModuleID: buf[8],
		OpCode:   buf[9],
		Body:     buf[10:],
	}
}
