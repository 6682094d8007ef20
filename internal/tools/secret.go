package tools

import (
	"context"
	"encoding/json"

	"github.com/stepflow-io/stepflow/internal/secrets"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// SecretTools returns the secret.get and secret.put tools, backed by the
// vault. secret.get is how workflow steps consume secrets: the decrypted
// value flows into the step result, never over the management surface.
func SecretTools(vault secrets.Vault) []Tool {
	return []Tool{
		&secretGetTool{vault: vault},
		&secretPutTool{vault: vault},
	}
}

const secretKeyInputSchema = `{
  "type": "object",
  "properties": {
    "key": {"type": "string"}
  },
  "required": ["key"]
}`

const secretPutInputSchema = `{
  "type": "object",
  "properties": {
    "key": {"type": "string"},
    "value": {"type": "string"}
  },
  "required": ["key", "value"]
}`

// --- secret.get ---

type secretGetTool struct {
	vault secrets.Vault
}

func (t *secretGetTool) Name() string        { return "secret.get" }
func (t *secretGetTool) Description() string { return "Resolve a secret value from the vault" }

func (t *secretGetTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(secretKeyInputSchema)}
}

func (t *secretGetTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	key := stringParam(params, "key", "")
	if key == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "secret.get: missing required param 'key'")
	}
	value, err := t.vault.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":   key,
		"value": string(value),
	}, nil
}

// --- secret.put ---

type secretPutTool struct {
	vault secrets.Vault
}

func (t *secretPutTool) Name() string        { return "secret.put" }
func (t *secretPutTool) Description() string { return "Store a secret value in the vault" }

func (t *secretPutTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(secretPutInputSchema)}
}

func (t *secretPutTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	key := stringParam(params, "key", "")
	if key == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "secret.put: missing required param 'key'")
	}
	value, ok := params["value"].(string)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "secret.put: missing required param 'value'")
	}
	if err := t.vault.Store(ctx, key, []byte(value)); err != nil {
		return nil, err
	}
	return map[string]any{
		"key":    key,
		"stored": true,
	}, nil
}
