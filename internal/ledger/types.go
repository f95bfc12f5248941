package ledger

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL uint64 = 1_000_000_000

// SOL converts a SOL amount to lamports, truncating sub-lamport fractions.
func SOL(amount float64) uint64 {
	if amount <= 0 {
		return 0
	}
	return uint64(amount * float64(LamportsPerSOL))
}

// ToSOL converts lamports to SOL for display.
func ToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(LamportsPerSOL)
}

// PublicKey is a 32-byte ed25519 public key identifying an account or program.
type PublicKey [32]byte

// ParsePublicKey decodes a base58 account address.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("public key %q: invalid length %d", s, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants.
func MustPublicKey(s string) PublicKey {
	k, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k PublicKey) String() string { return base58.Encode(k[:]) }

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// Bytes returns a copy of the key as a slice.
func (k PublicKey) Bytes() []byte { return append([]byte(nil), k[:]...) }

// Signature is a 64-byte transaction signature. The first signature of a
// transaction is its identifier on the ledger.
type Signature [64]byte

// ParseSignature decodes a base58 transaction signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	b, err := base58.Decode(s)
	if err != nil {
		return sig, fmt.Errorf("decode signature %q: %w", s, err)
	}
	if len(b) != len(sig) {
		return sig, fmt.Errorf("signature %q: invalid length %d", s, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) String() string {
	if s.IsZero() {
		return ""
	}
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool { return s == Signature{} }

// MarshalText encodes the signature as base58 so it reads naturally in JSON.
func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = Signature{}
		return nil
	}
	parsed, err := ParseSignature(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Well-known programs.
var (
	SystemProgramID = PublicKey{}
	MemoProgramID   = MustPublicKey("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	// MemoV1ProgramID is the legacy memo program, still seen on older transactions.
	MemoV1ProgramID = MustPublicKey("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

// Commitment is the confirmation level a transaction has reached.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Reaches reports whether c is at least as final as target.
func (c Commitment) Reaches(target Commitment) bool {
	return c.rank() >= target.rank() && c.rank() > 0
}

func (c Commitment) rank() int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// Instruction is the canonical in-memory form of one transaction instruction,
// independent of how the node encoded it.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []PublicKey
	Data      []byte
}

// TransactionRecord is a normalized view of a transaction fetched from the ledger.
type TransactionRecord struct {
	Signature    Signature
	Slot         uint64
	Sender       PublicKey
	Receiver     PublicKey
	Lamports     uint64
	Instructions []Instruction
	Status       Commitment
	// Err holds the on-chain failure description; empty for successful transactions.
	Err string
}

// Succeeded reports whether the transaction executed without an on-chain error.
func (r *TransactionRecord) Succeeded() bool { return r.Err == "" }
