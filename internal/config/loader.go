package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces dialogd environment overrides.
	envPrefix = "DIALOGD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load builds the service configuration.
//
// Precedence, highest first:
//  1. Environment variables (DIALOGD_SERVER_PORT, DIALOGD_RETRIEVAL_TOP_K, ...)
//  2. YAML config file (configPath; skipped when empty or missing)
//  3. Built-in defaults (DefaultConfig)
//
// Environment variables map to config keys by stripping the prefix,
// lowercasing, and splitting on the first underscore:
//
//	DIALOGD_SERVER_PORT            -> server.port
//	DIALOGD_SESSION_SWEEP_INTERVAL -> session.sweep_interval
//	DIALOGD_VECTORSTORE_BACKEND    -> vectorstore.backend
//
// Fields nested below one section level (vectorstore.qdrant.host) are
// reachable from the YAML file only.
//
// The config file may hold API keys, so files with group or world access
// are rejected; only 0600 and 0400 modes are accepted. Files larger than
// 1MB are rejected.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// Unmarshal over the defaults so absent keys keep their default value
	// and explicit false/zero values win.
	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile opens, validates, and reads the file. A missing file is not
// an error; it returns nil content so defaults and env apply alone.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	// Validate with the open descriptor to avoid a stat/open race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions %v on %s (expected 0600 or 0400)", perm, path)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}

// envTransform maps DIALOGD_SECTION_FIELD_NAME to section.field_name. The
// first underscore separates the section; the rest stays part of the field.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}
