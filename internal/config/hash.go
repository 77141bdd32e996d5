package config

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// fingerprintPrefix tags fingerprints with their hash algorithm.
const fingerprintPrefix = "blake3:"

// Fingerprint identifies a step configuration. Two steps with the same
// command, args, env, working dir, format, timeout and continue_on_fail
// share a fingerprint regardless of how their YAML was formatted.
func Fingerprint(step StepConfig) (string, error) {
	canonical, err := yaml.Marshal(step)
	if err != nil {
		return "", fmt.Errorf("failed to marshal step: %w", err)
	}

	hash := blake3.Sum256(canonical)
	return fingerprintPrefix + hex.EncodeToString(hash[:]), nil
}

// ShortFingerprint trims a fingerprint for display.
func ShortFingerprint(fp string) string {
	const n = len(fingerprintPrefix) + 12
	if len(fp) > n {
		return fp[:n]
	}
	return fp
}
