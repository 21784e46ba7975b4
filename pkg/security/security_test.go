package security

import (
	"testing"
	"time"

	"github.com/cuemby/rhythm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(4)
	require.NoError(t, err)
	return s
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	s := newTestSigner(t)
	msg := types.Message{
		Type:             "UPDATE",
		LogicalTimestamp: 5,
		SenderID:         "A",
		Nonce:            "A_1_100",
		Payload:          map[string]any{"b": 2, "a": 1},
	}
	require.NoError(t, s.Sign(&msg))
	assert.NotEmpty(t, msg.Signature)
	assert.True(t, s.Verify(msg))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	s := newTestSigner(t)
	msg := types.Message{Type: "UPDATE", SenderID: "A", Nonce: "A_1_100"}
	require.NoError(t, s.Sign(&msg))

	msg.Payload = map[string]any{"tampered": true}
	assert.False(t, s.Verify(msg))
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	signer1 := newTestSigner(t)
	signer2 := newTestSigner(t)

	msg := types.Message{Type: "UPDATE", SenderID: "A", Nonce: "A_1_100"}
	require.NoError(t, signer1.Sign(&msg))
	assert.False(t, signer2.Verify(msg))
}

func TestCanonicalizationIgnoresKeyOrder(t *testing.T) {
	s := newTestSigner(t)
	m1 := types.Message{SenderID: "A", Nonce: "n", WallTimestamp: 10, Payload: map[string]any{"x": 1, "y": 2}}
	m2 := m1
	m2.Payload = map[string]any{"y": 2, "x": 1}

	require.NoError(t, s.Sign(&m1))
	require.NoError(t, s.Sign(&m2))
	assert.Equal(t, m1.Signature, m2.Signature)
}

func TestValidateTimestampWithinWindow(t *testing.T) {
	msg := types.Message{WallTimestamp: time.Now().Unix()}
	assert.True(t, ValidateTimestamp(msg, 5*time.Second))
}

func TestValidateTimestampOutsideWindow(t *testing.T) {
	msg := types.Message{WallTimestamp: time.Now().Add(-time.Minute).Unix()}
	assert.False(t, ValidateTimestamp(msg, 5*time.Second))
}

func TestNonceReplayDetection(t *testing.T) {
	s := newTestSigner(t)
	assert.False(t, s.IsNonceUsed("n1"))
	s.MarkNonceUsed("n1")
	assert.True(t, s.IsNonceUsed("n1"))
}

func TestNonceCacheEvictsOldestFIFO(t *testing.T) {
	s := newTestSigner(t) // capacity 4
	s.MarkNonceUsed("n1")
	s.MarkNonceUsed("n2")
	s.MarkNonceUsed("n3")
	s.MarkNonceUsed("n4")
	s.MarkNonceUsed("n5") // evicts n1

	assert.False(t, s.IsNonceUsed("n1"))
	assert.True(t, s.IsNonceUsed("n2"))
	assert.True(t, s.IsNonceUsed("n5"))
}

func TestSanitizeRemovesSensitiveFieldsAtEveryDepth(t *testing.T) {
	payload := map[string]any{
		"apiKey": "abc",
		"nested": map[string]any{
			"token": "xyz",
			"keep":  "value",
		},
		"list": []any{
			map[string]any{"secret": "s", "ok": 1},
		},
		"password":    "p",
		"credentials": map[string]any{"user": "u"},
		"safe":        "value",
	}

	cleaned := Sanitize(payload)

	assert.NotContains(t, cleaned, "apiKey")
	assert.NotContains(t, cleaned, "password")
	assert.NotContains(t, cleaned, "credentials")
	assert.Equal(t, "value", cleaned["safe"])

	nested := cleaned["nested"].(map[string]any)
	assert.NotContains(t, nested, "token")
	assert.Equal(t, "value", nested["keep"])

	list := cleaned["list"].([]any)
	item := list[0].(map[string]any)
	assert.NotContains(t, item, "secret")
	assert.Equal(t, float64(1), item["ok"])
}

func TestSanitizeFailsSafeOnUnmarshalableValue(t *testing.T) {
	payload := map[string]any{"fn": func() {}}
	cleaned := Sanitize(payload)
	assert.Equal(t, payload, cleaned)
}
