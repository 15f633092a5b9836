// Package redact removes detected secrets from document text before it is
// chunked and indexed. Detection uses the Gitleaks SDK ruleset; findings
// are replaced with [REDACTED:rule-id:preview] markers so the surrounding
// context stays usable for embeddings.
package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAllowlist indicates an allowlist file that exists but
	// cannot be used. Load fails fast on these.
	ErrInvalidAllowlist = errors.New("invalid redaction allowlist")
)

// previewLen is how many leading characters of a secret survive in the
// redaction marker.
const previewLen = 4

// Redactor detects and masks secrets in text. Build once and share: the
// underlying detector compiles several hundred rules.
type Redactor struct {
	detector *detect.Detector
	logger   *zap.Logger
}

// New creates a redactor with the default Gitleaks ruleset. When
// allowlistPath is non-empty and the file exists, its patterns suppress
// matching findings; a missing file is ignored, an unusable one is an
// error.
func New(allowlistPath string, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}

	if allowlistPath != "" {
		allow, err := loadAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		if allow != nil {
			applyAllowlist(&detector.Config, allow)
		}
	}

	return &Redactor{detector: detector, logger: logger}, nil
}

// Redact replaces every detected secret with its redaction marker and
// reports how many findings were masked.
func (r *Redactor) Redact(text string) (string, int) {
	findings := r.detector.DetectString(text)
	if len(findings) == 0 {
		return text, 0
	}

	// One marker per distinct secret value. Longer secrets replace first
	// so a secret that contains another is not partially masked.
	markers := make(map[string]string, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		if _, seen := markers[f.Secret]; !seen {
			markers[f.Secret] = fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview(f.Secret))
		}
	}

	secrets := make([]string, 0, len(markers))
	for s := range markers {
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool {
		if len(secrets[i]) != len(secrets[j]) {
			return len(secrets[i]) > len(secrets[j])
		}
		return secrets[i] < secrets[j]
	})

	redacted := text
	for _, s := range secrets {
		redacted = strings.ReplaceAll(redacted, s, markers[s])
	}

	r.logger.Info("redacted secrets from document text",
		zap.Int("findings", len(findings)),
		zap.Int("distinct_secrets", len(secrets)),
	)
	return redacted, len(findings)
}

func preview(secret string) string {
	if len(secret) <= previewLen {
		return secret
	}
	return secret[:previewLen]
}

// allowlist mirrors the TOML shape:
//
//	[allowlist]
//	paths = ["..."]
//	regexes = ["..."]
type allowlist struct {
	Paths   []string
	Regexes []string
}

func loadAllowlist(path string) (*allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	var cfg struct {
		Allowlist allowlist
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	// Fail fast on bad patterns rather than at detection time.
	for _, pattern := range append(append([]string{}, cfg.Allowlist.Paths...), cfg.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, pattern, path, err)
		}
	}

	return &cfg.Allowlist, nil
}

// applyAllowlist merges user patterns into the detector configuration.
func applyAllowlist(cfg *gitleaksconfig.Config, allow *allowlist) {
	global := &gitleaksconfig.Allowlist{
		Description: "dialogd deployment allowlist",
	}
	for _, pattern := range allow.Paths {
		global.Paths = append(global.Paths, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allow.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, allow.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
