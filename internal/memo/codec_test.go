package memo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/memopay/internal/ledger"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		wire string
	}{
		{"request", Request{ServiceType: "hash", Input: "hello_solana_hackathon"}, "REQUEST:hash:hello_solana_hackathon"},
		{"request with colons", Request{ServiceType: "hash", Input: "a:b::c"}, "REQUEST:hash:a:b::c"},
		{"request empty input", Request{ServiceType: "hash", Input: ""}, "REQUEST:hash:"},
		{"response", Response{ServiceType: "hash", Result: "c0578342"}, "RESPONSE:hash:c0578342"},
		{"proof verified", Proof{Status: StatusVerified, Reference: "5xSig"}, "PROOF:verified:5xSig"},
		{"proof failed", Proof{Status: StatusFailed, Reference: "5xSig"}, "PROOF:failed:5xSig"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.wire, string(payload))

			got, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := Response{ServiceType: "hash", Result: "x:y"}
	a, err := Encode(m)
	require.NoError(t, err)
	b, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(Request{ServiceType: "has:h", Input: "x"})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = Encode(Request{ServiceType: "", Input: "x"})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = Encode(Proof{Status: "maybe", Reference: "sig"})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestEncodePayloadLimit(t *testing.T) {
	prefix := len("REQUEST:hash:")
	fits := Request{ServiceType: "hash", Input: strings.Repeat("a", MaxPayload-prefix)}
	payload, err := Encode(fits)
	require.NoError(t, err)
	assert.Len(t, payload, MaxPayload)

	over := Request{ServiceType: "hash", Input: strings.Repeat("a", MaxPayload-prefix+1)}
	_, err = Encode(over)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		payload string
		want    error
	}{
		{"HELLO:world:x", ErrUnrecognizedMessage},
		{"just a note", ErrUnrecognizedMessage},
		{"", ErrUnrecognizedMessage},
		{"REQUEST:hash", ErrDecode},
		{"RESPONSE:", ErrDecode},
		{"PROOF::sig", ErrDecode},
		{"PROOF:maybe:sig", ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.payload, de.Payload)
		})
	}
}

func TestDecodeErrorTruncatesPayload(t *testing.T) {
	_, err := Decode([]byte(strings.Repeat("z", 200)))
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 150)
}

func sampleRecord(t *testing.T, memoProgram ledger.PublicKey, memo string) *ledger.TransactionRecord {
	t.Helper()
	return &ledger.TransactionRecord{
		Instructions: []ledger.Instruction{
			{ProgramID: ledger.SystemProgramID, Data: make([]byte, 12)},
			{ProgramID: memoProgram, Data: []byte(memo)},
		},
	}
}

func TestExtract(t *testing.T) {
	got, ok := Extract(sampleRecord(t, ledger.MemoProgramID, "REQUEST:hash:abc"))
	require.True(t, ok)
	assert.Equal(t, "REQUEST:hash:abc", string(got))

	got, ok = Extract(sampleRecord(t, ledger.MemoV1ProgramID, "PROOF:failed:s"))
	require.True(t, ok)
	assert.Equal(t, "PROOF:failed:s", string(got))

	_, ok = Extract(&ledger.TransactionRecord{
		Instructions: []ledger.Instruction{{ProgramID: ledger.SystemProgramID}},
	})
	assert.False(t, ok)

	_, ok = Extract(nil)
	assert.False(t, ok)
}

func keyFromSeed(t *testing.T, b byte) ledger.PublicKey {
	t.Helper()
	id, err := ledger.NewIdentity(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return id.PublicKey()
}

func TestExtractIgnoresNodeShape(t *testing.T) {
	sender := keyFromSeed(t, 1)
	receiver := keyFromSeed(t, 2)
	sig := base58.Encode(bytes.Repeat([]byte{7}, 64))
	memo := "RESPONSE:hash:x:y"

	compiled := fmt.Sprintf(`{
		"slot": 3,
		"meta": {"err": null},
		"transaction": {"signatures": [%q], "message": {
			"accountKeys": [%q, %q, %q],
			"instructions": [{"programIdIndex": 2, "accounts": [0], "data": %q}]
		}}
	}`, sig, sender, receiver, ledger.MemoProgramID, base58.Encode([]byte(memo)))

	parsed := fmt.Sprintf(`{
		"slot": 3,
		"meta": {"err": null},
		"transaction": {"signatures": [%q], "message": {
			"accountKeys": [{"pubkey": %q}, {"pubkey": %q}, {"pubkey": %q}],
			"instructions": [{"program": "spl-memo", "programId": %q, "parsed": %q}]
		}}
	}`, sig, sender, receiver, ledger.MemoProgramID, ledger.MemoProgramID, memo)

	var payloads []string
	for _, raw := range []string{compiled, parsed} {
		rec, err := ledger.DecodeTransaction(json.RawMessage(raw))
		require.NoError(t, err)
		p, ok := Extract(rec)
		require.True(t, ok)
		payloads = append(payloads, string(p))
	}
	assert.Equal(t, []string{memo, memo}, payloads)

	msg, err := Decode([]byte(payloads[1]))
	require.NoError(t, err)
	assert.Equal(t, Response{ServiceType: "hash", Result: "x:y"}, msg)
}

func TestRead(t *testing.T) {
	msg, ok, err := Read(sampleRecord(t, ledger.MemoProgramID, "RESPONSE:hash:abc"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Response{ServiceType: "hash", Result: "abc"}, msg)

	_, ok, err = Read(sampleRecord(t, ledger.MemoProgramID, "gm"))
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrUnrecognizedMessage)

	_, ok, err = Read(&ledger.TransactionRecord{})
	assert.False(t, ok)
	assert.NoError(t, err)
}
