package config

// Sanitize returns a shallow copy of cfg (maps and slices stay shared
// with cfg) with every credential field replaced by a fixed redaction
// marker, grounded on the teacher's DefaultConfigSanitizer field-list
// approach (internal/config/sanitizer.go) but narrowed to this module's
// own credential fields. Used by pipelinectl's debug log line of the
// resolved configuration so it prints without leaking secrets; the regex-based masking in
// pkg/logger covers ad hoc log attributes, this covers the one
// structured dump.
func Sanitize(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	clone := *cfg
	clone.Database.Password = redact(cfg.Database.Password)
	clone.Redis.Password = redact(cfg.Redis.Password)
	clone.Neo4j.Password = redact(cfg.Neo4j.Password)
	clone.LLM.DeepseekAPIKey = redact(cfg.LLM.DeepseekAPIKey)
	return &clone
}

const redactionValue = "***REDACTED***"

func redact(s string) string {
	if s == "" {
		return s
	}
	return redactionValue
}
