package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const EnvPrefix = "PDFDESK_"

// ApplyEnv overrides cfg with PDFDESK_* variables.
//
//	PDFDESK_LOG_LEVEL, PDFDESK_LOG_FORMAT
//	PDFDESK_SERVER_ADDR, PDFDESK_SERVER_H2C, PDFDESK_SERVER_MAX_UPLOAD_BYTES,
//	PDFDESK_SERVER_SESSION_TTL
//	PDFDESK_ENGINE_MAX_CONCURRENT, PDFDESK_ENGINE_RELAXED
//	PDFDESK_TRACING_ENABLED, PDFDESK_TRACING_EXPORTER
//	PDFDESK_AUTH_MODE, PDFDESK_AUTH_TOKENS (token=principal,...)
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("SERVER_ADDR", &cfg.Server.Addr)
	e.boolean("SERVER_H2C", &cfg.Server.H2C)
	e.int64("SERVER_MAX_UPLOAD_BYTES", &cfg.Server.MaxUploadBytes)
	e.duration("SERVER_SESSION_TTL", &cfg.Server.SessionTTL)
	e.integer("ENGINE_MAX_CONCURRENT", &cfg.Engine.MaxConcurrent)
	e.integer("ENGINE_MAX_QUEUE", &cfg.Engine.MaxQueue)
	e.boolean("ENGINE_RELAXED", &cfg.Engine.Relaxed)
	e.boolean("TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.str("TRACING_EXPORTER", &cfg.Tracing.Exporter)
	e.str("AUTH_MODE", &cfg.Auth.Mode)
	if v, ok := e.get("AUTH_TOKENS"); ok {
		tokens, err := parseTokens(v)
		if err != nil {
			e.errs = append(e.errs, err.Error())
		} else {
			cfg.Auth.Tokens = tokens
		}
	}
	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, strings.Join(e.errs, "; "))
	}
	return nil
}

func parseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tok, who, ok := strings.Cut(pair, "=")
		if !ok || tok == "" || who == "" {
			return nil, fmt.Errorf("%sAUTH_TOKENS: want token=principal, got %q", EnvPrefix, pair)
		}
		out[tok] = who
	}
	return out, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
