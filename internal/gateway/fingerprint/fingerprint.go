// Package fingerprint derives content-addressed cache keys for chat requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// canonical is the exact field set a fingerprint covers, serialized in
// declaration order. Pointer fields keep "absent" distinct from zero values:
// a request with temperature 0 and one with no temperature hash differently.
type canonical struct {
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Model       string                         `json:"model"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
}

// Compute returns the hex SHA-256 digest of the normalized request. The model
// must already be defaulted by the caller. Identical logical requests always
// produce the same digest; any field difference changes it.
func Compute(messages []openai.ChatCompletionMessage, model string, temperature *float32, maxTokens *int) string {
	payload, err := json.Marshal(canonical{
		Messages:    messages,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		// Only unmarshalable types reach this branch and the canonical
		// struct contains none; still, never return an empty key.
		payload = []byte(model)
	}

	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
