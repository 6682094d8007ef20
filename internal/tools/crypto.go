package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// CryptoTools returns the crypto.hash, crypto.hmac, and crypto.uuid tools.
// Digests are hex-encoded. md5 and sha1 are kept for interop with legacy
// checksums, not for anything security-sensitive.
func CryptoTools() []Tool {
	return []Tool{
		&cryptoHashTool{},
		&cryptoHMACTool{},
		&cryptoUUIDTool{},
	}
}

const cryptoHashInputSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha512","sha384","sha1","md5"], "default": "sha256"}
  }
}`

const cryptoHMACInputSchema = `{
  "type": "object",
  "required": ["data", "key"],
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha512","sha384","sha1","md5"], "default": "sha256"}
  }
}`

// hashFunc maps an algorithm name to its hash constructor.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, flow.NewErrorf(flow.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashTool struct{}

func (t *cryptoHashTool) Name() string        { return "crypto.hash" }
func (t *cryptoHashTool) Description() string { return "Compute a cryptographic hash of a string" }

func (t *cryptoHashTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(cryptoHashInputSchema)}
}

func (t *cryptoHashTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	algorithm := stringParam(params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))

	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

// --- crypto.hmac ---

type cryptoHMACTool struct{}

func (t *cryptoHMACTool) Name() string        { return "crypto.hmac" }
func (t *cryptoHMACTool) Description() string { return "Compute an HMAC of a string with the given key" }

func (t *cryptoHMACTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(cryptoHMACInputSchema)}
}

func (t *cryptoHMACTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	data, ok := params["data"].(string)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	key, ok := params["key"].(string)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	algorithm := stringParam(params, "algorithm", "sha256")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))

	return map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

// --- crypto.uuid ---

type cryptoUUIDTool struct{}

func (t *cryptoUUIDTool) Name() string        { return "crypto.uuid" }
func (t *cryptoUUIDTool) Description() string { return "Generate a random v4 UUID" }
func (t *cryptoUUIDTool) Schema() ToolSchema  { return ToolSchema{} }

func (t *cryptoUUIDTool) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
