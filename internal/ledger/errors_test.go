package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnreadable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"malformed", fmt.Errorf("fetch x: %w", ErrMalformedTransaction), true},
		{"unsupported version", &RPCError{Method: "getTransaction", Code: -32015, Message: "Transaction version (1) is not supported"}, true},
		{"not found", fmt.Errorf("fetch x: %w", ErrTransactionNotFound), false},
		{"rate limited", &RPCError{Method: "getTransaction", Status: 429}, false},
		{"node unhealthy", &RPCError{Method: "getTransaction", Code: codeNodeUnhealthy}, false},
		{"transport", &RPCError{Method: "getTransaction", Err: errors.New("connection reset")}, false},
		{"http status", &RPCError{Method: "getTransaction", Status: 403, Message: "forbidden"}, false},
		{"retries spent", fmt.Errorf("getTransaction: %w after 5 attempts: %v", ErrRetryExhausted, &RPCError{Code: -32015}), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnreadable(tt.err))
		})
	}
}

func TestFetchMalformedTransactionIsUnreadable(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("getTransaction", func([]json.RawMessage) (interface{}, *fakeRPCError) {
		return map[string]interface{}{
			"slot": 3,
			"transaction": map[string]interface{}{
				"signatures": []string{sigString(4)},
				"message": map[string]interface{}{
					"accountKeys":  []string{testIdentity(t, 1).PublicKey().String()},
					"instructions": []map[string]interface{}{{"programIdIndex": 7}},
				},
			},
		}, nil
	})
	client := newTestClient(srv, &recordingSleeper{})

	sig, err := ParseSignature(sigString(4))
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedTransaction)
	assert.True(t, IsUnreadable(err))
}
