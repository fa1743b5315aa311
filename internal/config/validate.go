package config

import (
	"fmt"
	"slices"
	"strings"
)

const maxBatchSize = 5

var (
	backends   = []string{"dynamodb", "bolt", "memory"}
	modes      = []string{"cloud", "local"}
	transforms = []string{"redact", "obfuscate"}
	tiers      = []string{"S", "S0", "F0"}
)

// Validate checks settings that cleanenv cannot express. Load calls it;
// callers that override fields afterwards, such as CLI flags, call it again.
func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Store.Backend) {
		return fmt.Errorf("store.backend must be one of %s (got %q)", strings.Join(backends, ", "), c.Store.Backend)
	}
	if c.Store.Backend == "bolt" && strings.TrimSpace(c.Store.BoltPath) == "" {
		return fmt.Errorf("store.bolt_path must not be empty for the bolt backend")
	}
	if strings.TrimSpace(c.Detector.Endpoint) == "" {
		return fmt.Errorf("detector.endpoint must not be empty")
	}
	if strings.TrimSpace(c.Detector.Key) == "" {
		return fmt.Errorf("detector.key must not be empty")
	}
	if c.Detector.MaxRetries < 0 {
		return fmt.Errorf("detector.max_retries must be >= 0 (got %d)", c.Detector.MaxRetries)
	}
	if err := c.Run.validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if c.API.MaxTextLength <= 0 {
		return fmt.Errorf("api.max_text_length must be > 0 (got %d)", c.API.MaxTextLength)
	}
	return nil
}

func (r *RunConfig) validate() error {
	if r.BatchSize < 1 || r.BatchSize > maxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d (got %d)", maxBatchSize, r.BatchSize)
	}
	if !slices.Contains(tiers, strings.ToUpper(r.Tier)) {
		return fmt.Errorf("tier must be one of %s (got %q)", strings.Join(tiers, ", "), r.Tier)
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0 (got %d)", r.Concurrency)
	}
	if !slices.Contains(modes, r.Mode) {
		return fmt.Errorf("mode must be one of %s (got %q)", strings.Join(modes, ", "), r.Mode)
	}
	if !slices.Contains(transforms, r.Transform) {
		return fmt.Errorf("transform must be one of %s (got %q)", strings.Join(transforms, ", "), r.Transform)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be within 0..1 (got %v)", r.MinConfidence)
	}
	if r.Mode == "local" && strings.TrimSpace(r.OutputFile) == "" {
		return fmt.Errorf("output_file must not be empty in local mode")
	}
	return nil
}
