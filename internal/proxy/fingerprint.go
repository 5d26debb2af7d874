package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

// Fingerprint returns a deterministic SHA-256 identity for a chat request.
// The same fingerprint serves as the cache key and the coalescing key, so the
// set of fields hashed here defines "identical request" for both subsystems:
// model, sampling parameters, and the full ordered message list.
//
// Temperature is normalized to two decimals so 0.7 and 0.70 collide, matching
// how the upstream treats them.
func Fingerprint(req *upstream.ChatRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return "req:" + hex.EncodeToString(h[:])
}
