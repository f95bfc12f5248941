package memo

import "github.com/ocx/memopay/internal/ledger"

// Extract returns the memo carried by rec, if any. Transactions without a
// memo instruction are ordinary and yield false, not an error.
func Extract(rec *ledger.TransactionRecord) ([]byte, bool) {
	if rec == nil {
		return nil, false
	}
	for _, ix := range rec.Instructions {
		if ix.ProgramID == ledger.MemoProgramID || ix.ProgramID == ledger.MemoV1ProgramID {
			return ix.Data, true
		}
	}
	return nil, false
}

// Read extracts and decodes the protocol message of rec. ok is false when
// rec has no memo at all.
func Read(rec *ledger.TransactionRecord) (msg Message, ok bool, err error) {
	payload, ok := Extract(rec)
	if !ok {
		return nil, false, nil
	}
	msg, err = Decode(payload)
	return msg, true, err
}
