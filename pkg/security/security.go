// Package security implements rhythm's inter-tab message integrity
// layer (C4): HMAC-SHA256 signing over a canonical JSON form, freshness
// checks, a nonce replay cache, and field sanitization. This is
// integrity and origin authentication within a trusted process group,
// never secrecy — rhythm carries no encrypted payloads.
//
// Grounded on cuemby-warren/pkg/security/secrets.go's crypto error
// idiom (crypto/rand key material, wrapped errors); the actual
// primitive is swapped from AES-GCM secrecy to HMAC-SHA256 signing to
// match that scope.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/rhythm/pkg/types"
)

// sensitiveFields is checked, case-sensitively, against every object
// key at every nesting depth (including inside arrays) during
// Sanitize.
var sensitiveFields = map[string]bool{
	"apiKey":      true,
	"token":       true,
	"secret":      true,
	"password":    true,
	"credentials": true,
}

// Signer signs and verifies messages with a single HMAC-SHA256 key.
type Signer struct {
	key []byte

	mu            sync.Mutex
	nonceCache    []string
	nonceSeen     map[string]struct{}
	nonceCapacity int
}

// NewSigner creates a Signer with a process-random 32-byte key.
func NewSigner(nonceCapacity int) (*Signer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}
	return newSignerWithKey(key, nonceCapacity), nil
}

// NewSignerFromHex builds a Signer from a fixed hex-encoded key, for
// multi-process demos/tests where every tab must share a key.
func NewSignerFromHex(keyHex string, nonceCapacity int) (*Signer, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("security: decode fixed key: %w", err)
	}
	return newSignerWithKey(key, nonceCapacity), nil
}

func newSignerWithKey(key []byte, nonceCapacity int) *Signer {
	if nonceCapacity <= 0 {
		nonceCapacity = 1000
	}
	return &Signer{
		key:           key,
		nonceSeen:     make(map[string]struct{}),
		nonceCapacity: nonceCapacity,
	}
}

// Sign canonicalizes msg (JSON with object keys sorted at every level),
// stamps a wall-clock timestamp if absent, and sets msg.Signature to
// the base64 HMAC-SHA256 of the canonical form.
func (s *Signer) Sign(msg *types.Message) error {
	if msg.WallTimestamp == 0 {
		msg.WallTimestamp = time.Now().Unix()
	}
	canonical, err := canonicalize(msg)
	if err != nil {
		return fmt.Errorf("security: canonicalize: %w", err)
	}
	msg.Signature = s.mac(canonical)
	return nil
}

// Verify recomputes the signature over msg's canonical form (excluding
// the signature field itself) and compares it in constant time.
// Decode/marshal errors return false rather than propagating, per
// spec.
func (s *Signer) Verify(msg types.Message) bool {
	sig := msg.Signature
	msg.Signature = ""
	canonical, err := canonicalize(&msg)
	if err != nil {
		return false
	}
	expected := s.mac(canonical)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func (s *Signer) mac(canonical []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(canonical)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// canonicalize serializes v to JSON with every object's keys sorted
// lexicographically, so the signer and verifier always hash the same
// byte string regardless of struct field order or map iteration order.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// ValidateTimestamp reports whether msg's wall timestamp is within
// maxAge of now. The default freshness window is 5 seconds.
func ValidateTimestamp(msg types.Message, maxAge time.Duration) bool {
	age := time.Now().Unix() - msg.WallTimestamp
	if age < 0 {
		age = -age
	}
	return time.Duration(age)*time.Second <= maxAge
}

// IsNonceUsed reports whether nonce has already been recorded.
func (s *Signer) IsNonceUsed(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, used := s.nonceSeen[nonce]
	return used
}

// MarkNonceUsed records nonce as seen, evicting the oldest entry FIFO
// once the cache is at capacity.
func (s *Signer) MarkNonceUsed(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nonceSeen[nonce]; exists {
		return
	}
	if len(s.nonceCache) >= s.nonceCapacity {
		oldest := s.nonceCache[0]
		s.nonceCache = s.nonceCache[1:]
		delete(s.nonceSeen, oldest)
	}
	s.nonceCache = append(s.nonceCache, nonce)
	s.nonceSeen[nonce] = struct{}{}
}

// Sanitize returns a deep copy of payload with any key in the
// sensitive-field set removed at every nesting depth, including inside
// arrays. On any marshalling failure it fails safe and returns the
// original payload unchanged.
func Sanitize(payload map[string]any) map[string]any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return payload
	}
	cleaned, ok := stripSensitive(generic).(map[string]any)
	if !ok {
		return payload
	}
	return cleaned
}

func stripSensitive(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveFields[k] {
				continue
			}
			out[k] = stripSensitive(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripSensitive(item)
		}
		return out
	default:
		return val
	}
}
