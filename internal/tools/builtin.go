package tools

import "github.com/stepflow-io/stepflow/internal/secrets"

// RegisterBuiltins registers all built-in tools in the given registry.
// A nil vault skips the secret tools; a nil validator skips assert.schema's
// backing validator (the tool then fails at invoke time), so callers should
// pass both in production wiring.
func RegisterBuiltins(reg *Registry, validator DataValidator, vault secrets.Vault, httpCfg HTTPConfig, fsCfg FSConfig, shellCfg ShellConfig) error {
	all := make([]Tool, 0, 16)

	all = append(all, HTTPTools(httpCfg)...)
	all = append(all, FSTools(fsCfg)...)
	all = append(all, ShellTools(shellCfg)...)
	all = append(all, AssertTools(validator)...)
	all = append(all, CryptoTools()...)
	all = append(all, UtilTools()...)
	if vault != nil {
		all = append(all, SecretTools(vault)...)
	}

	for _, tool := range all {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
