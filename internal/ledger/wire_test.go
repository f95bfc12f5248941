package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T, b byte) *Identity {
	t.Helper()
	id, err := NewIdentity(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return id
}

// decodedTransaction is a test-side parse of a serialized legacy transaction.
type decodedTransaction struct {
	Signature    Signature
	Message      []byte
	Header       [3]byte
	Keys         []PublicKey
	Instructions []Instruction
}

func decodeTestTransaction(t *testing.T, tx []byte) decodedTransaction {
	t.Helper()
	var out decodedTransaction

	n, used, err := readCompactU16(tx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	tx = tx[used:]
	copy(out.Signature[:], tx[:64])
	out.Message = tx[64:]

	m := out.Message
	copy(out.Header[:], m[:3])
	m = m[3:]
	n, used, err = readCompactU16(m)
	require.NoError(t, err)
	m = m[used:]
	for i := 0; i < n; i++ {
		var k PublicKey
		copy(k[:], m[:32])
		out.Keys = append(out.Keys, k)
		m = m[32:]
	}
	m = m[32:] // blockhash
	n, used, err = readCompactU16(m)
	require.NoError(t, err)
	m = m[used:]
	for i := 0; i < n; i++ {
		ix := Instruction{ProgramID: out.Keys[m[0]]}
		m = m[1:]
		na, used, err := readCompactU16(m)
		require.NoError(t, err)
		m = m[used:]
		for j := 0; j < na; j++ {
			ix.Accounts = append(ix.Accounts, out.Keys[m[j]])
		}
		m = m[na:]
		nd, used, err := readCompactU16(m)
		require.NoError(t, err)
		m = m[used:]
		ix.Data = append([]byte(nil), m[:nd]...)
		m = m[nd:]
		out.Instructions = append(out.Instructions, ix)
	}
	require.Empty(t, m)
	return out
}

func TestCompactU16(t *testing.T) {
	cases := []struct {
		value int
		bytes []byte
	}{
		{0, []byte{0x00}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
		{0xffff, []byte{0xff, 0xff, 0x03}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.bytes, appendCompactU16(nil, tc.value), "encode %#x", tc.value)
		v, used, err := readCompactU16(tc.bytes)
		require.NoError(t, err)
		assert.Equal(t, tc.value, v)
		assert.Equal(t, len(tc.bytes), used)
	}

	_, _, err := readCompactU16([]byte{0x80})
	assert.ErrorIs(t, err, errCompactU16)
}

func TestBuildTransactionTransferAndMemo(t *testing.T) {
	sender := testIdentity(t, 1)
	receiver := testIdentity(t, 2).PublicKey()
	var blockhash [32]byte
	blockhash[0] = 9

	tx, sig, err := buildTransaction(sender, receiver, 100_000_000, []byte("REQUEST:hash:abc"), blockhash)
	require.NoError(t, err)

	d := decodeTestTransaction(t, tx)
	assert.Equal(t, sig, d.Signature)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(sender.PublicKey().Bytes()), d.Message, sig[:]))

	// payer, receiver, then the two read-only programs
	assert.Equal(t, [3]byte{1, 0, 2}, d.Header)
	require.Len(t, d.Keys, 4)
	assert.Equal(t, sender.PublicKey(), d.Keys[0])
	assert.Equal(t, receiver, d.Keys[1])

	require.Len(t, d.Instructions, 2)
	transfer := d.Instructions[0]
	assert.Equal(t, SystemProgramID, transfer.ProgramID)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(transfer.Data))
	lamports, ok := decodeTransfer(transfer)
	require.True(t, ok)
	assert.Equal(t, uint64(100_000_000), lamports)

	memo := d.Instructions[1]
	assert.Equal(t, MemoProgramID, memo.ProgramID)
	assert.Equal(t, []PublicKey{sender.PublicKey()}, memo.Accounts)
	assert.Equal(t, "REQUEST:hash:abc", string(memo.Data))
}

func TestBuildTransactionMemoOnly(t *testing.T) {
	sender := testIdentity(t, 1)
	tx, _, err := buildTransaction(sender, PublicKey{}, 0, []byte("PROOF:verified:x"), [32]byte{})
	require.NoError(t, err)

	d := decodeTestTransaction(t, tx)
	require.Len(t, d.Keys, 2)
	require.Len(t, d.Instructions, 1)
	assert.Equal(t, MemoProgramID, d.Instructions[0].ProgramID)
}

func TestBuildTransactionSelfTransfer(t *testing.T) {
	id := testIdentity(t, 3)
	tx, _, err := buildTransaction(id, id.PublicKey(), ActivationLamports, nil, [32]byte{})
	require.NoError(t, err)

	d := decodeTestTransaction(t, tx)
	require.Len(t, d.Keys, 2, "payer appears once")
	require.Len(t, d.Instructions, 1)
	assert.Equal(t, []PublicKey{id.PublicKey(), id.PublicKey()}, d.Instructions[0].Accounts)
}

func TestBuildTransactionRejectsOversize(t *testing.T) {
	_, _, err := buildTransaction(testIdentity(t, 1), testIdentity(t, 2).PublicKey(), 1, bytes.Repeat([]byte("x"), 2000), [32]byte{})
	assert.Error(t, err)
}
