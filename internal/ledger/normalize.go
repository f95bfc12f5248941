package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Nodes report transaction detail in different shapes depending on the
// requested encoding and on whether they know how to parse a program. Every
// shape is normalized here so that nothing above the client branches on it.

type wireTransaction struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err json.RawMessage `json:"err"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys  []accountKey      `json:"accountKeys"`
			Instructions []wireInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

// accountKey accepts both a bare base58 string ("json" encoding) and the
// {"pubkey": ..., "signer": ..., "writable": ...} object ("jsonParsed").
type accountKey struct {
	Key PublicKey
}

func (a *accountKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var obj struct {
			Pubkey string `json:"pubkey"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("account key: %w", err)
		}
		s = obj.Pubkey
	}
	k, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	a.Key = k
	return nil
}

type wireInstruction struct {
	ProgramIDIndex *int            `json:"programIdIndex"`
	Program        string          `json:"program"`
	ProgramID      string          `json:"programId"`
	Accounts       json.RawMessage `json:"accounts"`
	Data           *string         `json:"data"`
	Parsed         json.RawMessage `json:"parsed"`
}

// instructionShape converts one node encoding of an instruction into the
// canonical Instruction.
type instructionShape interface {
	name() string
	matches(w *wireInstruction) bool
	normalize(w *wireInstruction, keys []PublicKey) (Instruction, error)
}

var instructionShapes = []instructionShape{
	compiledShape{},
	parsedShape{},
	partiallyDecodedShape{},
}

func normalizeInstruction(w *wireInstruction, keys []PublicKey) (Instruction, error) {
	for _, shape := range instructionShapes {
		if shape.matches(w) {
			ix, err := shape.normalize(w, keys)
			if err != nil {
				return Instruction{}, fmt.Errorf("%s instruction: %w", shape.name(), err)
			}
			return ix, nil
		}
	}
	return Instruction{}, errors.New("unrecognized instruction shape")
}

// compiledShape is the raw form: account indices into the message's key list
// and base58 instruction data.
type compiledShape struct{}

func (compiledShape) name() string { return "compiled" }

func (compiledShape) matches(w *wireInstruction) bool { return w.ProgramIDIndex != nil }

func (compiledShape) normalize(w *wireInstruction, keys []PublicKey) (Instruction, error) {
	idx := *w.ProgramIDIndex
	if idx < 0 || idx >= len(keys) {
		return Instruction{}, fmt.Errorf("program index %d out of range", idx)
	}
	var accountIdx []int
	if len(w.Accounts) > 0 {
		if err := json.Unmarshal(w.Accounts, &accountIdx); err != nil {
			return Instruction{}, fmt.Errorf("accounts: %w", err)
		}
	}
	ix := Instruction{ProgramID: keys[idx]}
	for _, i := range accountIdx {
		if i < 0 || i >= len(keys) {
			return Instruction{}, fmt.Errorf("account index %d out of range", i)
		}
		ix.Accounts = append(ix.Accounts, keys[i])
	}
	data, err := decodeData(w.Data)
	if err != nil {
		return Instruction{}, err
	}
	ix.Data = data
	return ix, nil
}

// partiallyDecodedShape is what jsonParsed returns for programs the node
// cannot parse: program id and account keys spelled out, data still base58.
type partiallyDecodedShape struct{}

func (partiallyDecodedShape) name() string { return "partially decoded" }

func (partiallyDecodedShape) matches(w *wireInstruction) bool {
	return w.ProgramID != "" && len(w.Parsed) == 0
}

func (partiallyDecodedShape) normalize(w *wireInstruction, _ []PublicKey) (Instruction, error) {
	program, err := ParsePublicKey(w.ProgramID)
	if err != nil {
		return Instruction{}, err
	}
	ix := Instruction{ProgramID: program}
	var accounts []string
	if len(w.Accounts) > 0 {
		if err := json.Unmarshal(w.Accounts, &accounts); err != nil {
			return Instruction{}, fmt.Errorf("accounts: %w", err)
		}
	}
	for _, a := range accounts {
		k, err := ParsePublicKey(a)
		if err != nil {
			return Instruction{}, err
		}
		ix.Accounts = append(ix.Accounts, k)
	}
	data, err := decodeData(w.Data)
	if err != nil {
		return Instruction{}, err
	}
	ix.Data = data
	return ix, nil
}

// parsedShape is the human-readable form tagged by program name. Memo text
// and system transfers are turned back into their raw instruction data;
// other parsed instructions keep only the program id.
type parsedShape struct{}

func (parsedShape) name() string { return "parsed" }

func (parsedShape) matches(w *wireInstruction) bool { return len(w.Parsed) > 0 }

func (parsedShape) normalize(w *wireInstruction, _ []PublicKey) (Instruction, error) {
	program, err := ParsePublicKey(w.ProgramID)
	if err != nil {
		return Instruction{}, err
	}
	ix := Instruction{ProgramID: program}

	switch {
	case w.Program == "spl-memo" || program == MemoProgramID || program == MemoV1ProgramID:
		var text string
		if err := json.Unmarshal(w.Parsed, &text); err != nil {
			return Instruction{}, fmt.Errorf("memo text: %w", err)
		}
		ix.Data = []byte(text)

	case w.Program == "system" || program == SystemProgramID:
		var parsed struct {
			Type string `json:"type"`
			Info struct {
				Source      string `json:"source"`
				Destination string `json:"destination"`
				Lamports    uint64 `json:"lamports"`
			} `json:"info"`
		}
		if err := json.Unmarshal(w.Parsed, &parsed); err != nil {
			return Instruction{}, fmt.Errorf("system instruction: %w", err)
		}
		if parsed.Type != "transfer" {
			return ix, nil
		}
		from, err := ParsePublicKey(parsed.Info.Source)
		if err != nil {
			return Instruction{}, err
		}
		to, err := ParsePublicKey(parsed.Info.Destination)
		if err != nil {
			return Instruction{}, err
		}
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data, systemTransfer)
		binary.LittleEndian.PutUint64(data[4:], parsed.Info.Lamports)
		ix.Accounts = []PublicKey{from, to}
		ix.Data = data
	}
	return ix, nil
}

func decodeData(s *string) ([]byte, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	b, err := base58.Decode(*s)
	if err != nil {
		return nil, fmt.Errorf("instruction data: %w", err)
	}
	return b, nil
}

// DecodeTransaction normalizes a getTransaction result, in any of the
// supported encodings, into a TransactionRecord. A result that cannot be
// normalized is reported as ErrMalformedTransaction.
func DecodeTransaction(raw json.RawMessage) (*TransactionRecord, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrTransactionNotFound
	}
	rec, err := decodeTransaction(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return rec, nil
}

func decodeTransaction(raw json.RawMessage) (*TransactionRecord, error) {
	var wt wireTransaction
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(wt.Transaction.Signatures) == 0 {
		return nil, errors.New("decode transaction: no signatures")
	}
	sig, err := ParseSignature(wt.Transaction.Signatures[0])
	if err != nil {
		return nil, err
	}

	keys := make([]PublicKey, len(wt.Transaction.Message.AccountKeys))
	for i, k := range wt.Transaction.Message.AccountKeys {
		keys[i] = k.Key
	}

	rec := &TransactionRecord{Signature: sig, Slot: wt.Slot}
	for i := range wt.Transaction.Message.Instructions {
		ix, err := normalizeInstruction(&wt.Transaction.Message.Instructions[i], keys)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", sig, err)
		}
		rec.Instructions = append(rec.Instructions, ix)
	}

	if len(keys) > 0 {
		rec.Sender = keys[0]
	}
	for _, ix := range rec.Instructions {
		if lamports, ok := decodeTransfer(ix); ok {
			rec.Sender = ix.Accounts[0]
			rec.Receiver = ix.Accounts[1]
			rec.Lamports = lamports
			break
		}
	}

	if wt.Meta != nil && len(wt.Meta.Err) > 0 && !bytes.Equal(wt.Meta.Err, []byte("null")) {
		rec.Err = string(wt.Meta.Err)
	}
	return rec, nil
}
