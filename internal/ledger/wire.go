package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// systemTransfer is the system program's instruction index for a lamport transfer.
const systemTransfer uint32 = 2

// maxTransactionSize is the largest serialized transaction a node accepts.
const maxTransactionSize = 1232

var errCompactU16 = errors.New("malformed compact-u16")

type accountMeta struct {
	Key      PublicKey
	Signer   bool
	Writable bool
}

type instructionSpec struct {
	Program  PublicKey
	Accounts []accountMeta
	Data     []byte
}

func transferInstruction(from, to PublicKey, lamports uint64) instructionSpec {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, systemTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return instructionSpec{
		Program: SystemProgramID,
		Accounts: []accountMeta{
			{Key: from, Signer: true, Writable: true},
			{Key: to, Writable: true},
		},
		Data: data,
	}
}

func memoInstruction(signer PublicKey, memo []byte) instructionSpec {
	return instructionSpec{
		Program:  MemoProgramID,
		Accounts: []accountMeta{{Key: signer, Signer: true}},
		Data:     memo,
	}
}

// decodeTransfer returns the lamports of a system transfer instruction.
func decodeTransfer(ix Instruction) (uint64, bool) {
	if ix.ProgramID != SystemProgramID || len(ix.Data) != 12 || len(ix.Accounts) < 2 {
		return 0, false
	}
	if binary.LittleEndian.Uint32(ix.Data) != systemTransfer {
		return 0, false
	}
	return binary.LittleEndian.Uint64(ix.Data[4:]), true
}

func appendCompactU16(b []byte, n int) []byte {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

// readCompactU16 returns the decoded value and the number of bytes consumed.
func readCompactU16(b []byte) (int, int, error) {
	var v, shift int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errCompactU16
		}
		v |= int(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errCompactU16
}

// compileMessage lays out a legacy message: signers first (writable before
// read-only), then non-signers (writable before read-only). The fee payer is
// always account 0.
func compileMessage(payer PublicKey, blockhash [32]byte, ixs []instructionSpec) ([]byte, error) {
	metas := []accountMeta{{Key: payer, Signer: true, Writable: true}}
	index := map[PublicKey]int{payer: 0}
	add := func(m accountMeta) {
		if i, ok := index[m.Key]; ok {
			metas[i].Signer = metas[i].Signer || m.Signer
			metas[i].Writable = metas[i].Writable || m.Writable
			return
		}
		index[m.Key] = len(metas)
		metas = append(metas, m)
	}
	for _, ix := range ixs {
		for _, a := range ix.Accounts {
			add(a)
		}
	}
	for _, ix := range ixs {
		add(accountMeta{Key: ix.Program})
	}

	var ordered []accountMeta
	for _, pass := range []struct{ signer, writable bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	} {
		for _, m := range metas {
			if m.Signer == pass.signer && m.Writable == pass.writable {
				ordered = append(ordered, m)
			}
		}
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(ordered))
	}

	var numSigners, roSigned, roUnsigned byte
	position := make(map[PublicKey]byte, len(ordered))
	for i, m := range ordered {
		position[m.Key] = byte(i)
		switch {
		case m.Signer && !m.Writable:
			numSigners++
			roSigned++
		case m.Signer:
			numSigners++
		case !m.Writable:
			roUnsigned++
		}
	}

	msg := []byte{numSigners, roSigned, roUnsigned}
	msg = appendCompactU16(msg, len(ordered))
	for _, m := range ordered {
		msg = append(msg, m.Key[:]...)
	}
	msg = append(msg, blockhash[:]...)
	msg = appendCompactU16(msg, len(ixs))
	for _, ix := range ixs {
		msg = append(msg, position[ix.Program])
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, a := range ix.Accounts {
			msg = append(msg, position[a.Key])
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}
	return msg, nil
}

// buildTransaction compiles and signs a single-signer transaction carrying an
// optional transfer and a memo. With lamports == 0 no transfer is included.
func buildTransaction(sender *Identity, receiver PublicKey, lamports uint64, memo []byte, blockhash [32]byte) ([]byte, Signature, error) {
	payer := sender.PublicKey()
	var ixs []instructionSpec
	if lamports > 0 {
		ixs = append(ixs, transferInstruction(payer, receiver, lamports))
	}
	if len(memo) > 0 {
		ixs = append(ixs, memoInstruction(payer, memo))
	}
	if len(ixs) == 0 {
		return nil, Signature{}, errors.New("transaction has no instructions")
	}

	msg, err := compileMessage(payer, blockhash, ixs)
	if err != nil {
		return nil, Signature{}, err
	}
	sig := sender.Sign(msg)

	tx := appendCompactU16(nil, 1)
	tx = append(tx, sig[:]...)
	tx = append(tx, msg...)
	if len(tx) > maxTransactionSize {
		return nil, Signature{}, fmt.Errorf("transaction is %d bytes, limit %d", len(tx), maxTransactionSize)
	}
	return tx, sig, nil
}
