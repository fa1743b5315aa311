package config

import "time"

// Config is the root configuration of piictl and the Lambda.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Detector DetectorConfig `yaml:"detector"`
	Run      RunConfig      `yaml:"run"`
	API      APIConfig      `yaml:"api"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"PIICTL_LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"PIICTL_LOG_FORMAT" env-default:"json"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend  string       `yaml:"backend"   env:"PIICTL_STORE_BACKEND"   env-default:"dynamodb"`
	BoltPath string       `yaml:"bolt_path" env:"PIICTL_STORE_BOLT_PATH" env-default:"piictl.db"`
	Tables   TablesConfig `yaml:"tables"`
}

// TablesConfig maps collections to DynamoDB table names.
type TablesConfig struct {
	Messages string `yaml:"messages" env:"PIICTL_TABLE_MESSAGES" env-default:"pii-messages"`
	Ledger   string `yaml:"ledger"   env:"PIICTL_TABLE_LEDGER"   env-default:"pii-ledger"`
	Outputs  string `yaml:"outputs"  env:"PIICTL_TABLE_OUTPUTS"  env-default:"pii-outputs"`
	Vault    string `yaml:"vault"    env:"PIICTL_TABLE_VAULT"    env-default:"pii-vault"`
}

// DetectorConfig holds the PII detection service settings. Key is either
// the subscription key or an "ssm:/parameter/name" reference.
type DetectorConfig struct {
	Endpoint    string        `yaml:"endpoint"     env:"PIICTL_DETECTOR_ENDPOINT"`
	Key         string        `yaml:"key"          env:"PIICTL_DETECTOR_KEY"`
	Language    string        `yaml:"language"     env:"PIICTL_DETECTOR_LANGUAGE"     env-default:"en"`
	APIVersion  string        `yaml:"api_version"  env:"PIICTL_DETECTOR_API_VERSION"  env-default:"2023-04-01"`
	MaxRetries  int           `yaml:"max_retries"  env:"PIICTL_DETECTOR_MAX_RETRIES"  env-default:"4"`
	BaseBackoff time.Duration `yaml:"base_backoff" env:"PIICTL_DETECTOR_BASE_BACKOFF" env-default:"500ms"`
	Timeout     time.Duration `yaml:"timeout"      env:"PIICTL_DETECTOR_TIMEOUT"      env-default:"10s"`
}

// RunConfig tunes batch runs.
type RunConfig struct {
	Tier           string        `yaml:"tier"             env:"PIICTL_RUN_TIER"             env-default:"S"`
	Concurrency    int           `yaml:"concurrency"      env:"PIICTL_RUN_CONCURRENCY"`
	BatchSize      int           `yaml:"batch_size"       env:"PIICTL_RUN_BATCH_SIZE"       env-default:"5"`
	Mode           string        `yaml:"mode"             env:"PIICTL_RUN_MODE"             env-default:"cloud"`
	Transform      string        `yaml:"transform"        env:"PIICTL_RUN_TRANSFORM"        env-default:"redact"`
	MaxAttempts    int           `yaml:"max_attempts"     env:"PIICTL_RUN_MAX_ATTEMPTS"     env-default:"3"`
	StaleAfter     time.Duration `yaml:"stale_after"      env:"PIICTL_RUN_STALE_AFTER"      env-default:"15m"`
	OutputFile     string        `yaml:"output_file"      env:"PIICTL_RUN_OUTPUT_FILE"      env-default:"redacted_messages.json"`
	FailureFile    string        `yaml:"failure_file"     env:"PIICTL_RUN_FAILURE_FILE"     env-default:"failed_messages_ledger.csv"`
	FailOnTerminal bool          `yaml:"fail_on_terminal" env:"PIICTL_RUN_FAIL_ON_TERMINAL" env-default:"false"`
	MinConfidence  float64       `yaml:"min_confidence"   env:"PIICTL_RUN_MIN_CONFIDENCE"   env-default:"0"`
	ShowConfidence bool          `yaml:"show_confidence"  env:"PIICTL_RUN_SHOW_CONFIDENCE"  env-default:"false"`
}

// APIConfig holds limits for the interactive surface.
type APIConfig struct {
	MaxTextLength int `yaml:"max_text_length" env:"PIICTL_API_MAX_TEXT_LENGTH" env-default:"5120"`
}
