package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Servarr/ServarrAPI.Update/internal/core/models"
	"github.com/Servarr/ServarrAPI.Update/internal/core/version"
)

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
	Storage    StorageConfig     `yaml:"storage"`
	Auth       AuthConfig        `yaml:"auth"`
	Project    string            `yaml:"project"`
	GitHub     *GitHubConfig     `yaml:"github"`
	Azure      *AzureConfig      `yaml:"azure"`
	AppVeyor   *AppVeyorConfig   `yaml:"appveyor"`
	Cloudflare *CloudflareConfig `yaml:"cloudflare"`
	Webhooks   []WebhookConfig   `yaml:"webhooks"`
	Updates    UpdatesConfig     `yaml:"updates"`
	Ingest     IngestConfig      `yaml:"ingest"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

type AuthConfig struct {
	APIKey string `yaml:"apiKey"`
}

type GitHubConfig struct {
	APIURL string `yaml:"apiUrl"`
	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Token  string `yaml:"token"`
}

type AzureConfig struct {
	BaseURL     string `yaml:"baseUrl"`
	Project     string `yaml:"project"`
	Definitions []int  `yaml:"definitions"`
	NightlyRef  string `yaml:"nightlyRef"`
	// GitHubOwner and GitHubRepo locate pull requests. They default to the
	// github source.
	GitHubOwner string `yaml:"githubOwner"`
	GitHubRepo  string `yaml:"githubRepo"`
}

type AppVeyorConfig struct {
	APIURL  string `yaml:"apiUrl"`
	Account string `yaml:"account"`
	Slug    string `yaml:"slug"`
	Branch  string `yaml:"branch"`
	Token   string `yaml:"token"`
}

type CloudflareConfig struct {
	APIURL  string `yaml:"apiUrl"`
	ZoneID  string `yaml:"zoneId"`
	Email   string `yaml:"email"`
	Key     string `yaml:"key"`
	BaseURL string `yaml:"baseUrl"`
}

type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type UpdatesConfig struct {
	VersionGates    []models.Gate     `yaml:"versionGates"`
	RuntimeGates    []models.Gate     `yaml:"runtimeGates"`
	BranchRedirects map[string]string `yaml:"branchRedirects"`
}

type IngestConfig struct {
	PollInterval   time.Duration `yaml:"pollInterval"`
	LockWait       time.Duration `yaml:"lockWait"`
	TriggerTimeout time.Duration `yaml:"triggerTimeout"`
	Parallelism    int           `yaml:"parallelism"`
	QueueSize      int           `yaml:"queueSize"`
}

type UpstreamConfig struct {
	UserAgent         string  `yaml:"userAgent"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	MaxRetries        int     `yaml:"maxRetries"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: "./data"},
		Ingest: IngestConfig{
			PollInterval:   15 * time.Minute,
			LockWait:       5 * time.Minute,
			TriggerTimeout: 2500 * time.Millisecond,
			Parallelism:    4,
			QueueSize:      64,
		},
		Upstream: UpstreamConfig{UserAgent: "servarr-update/1.0", MaxRetries: 3},
	}
}

// Load reads a YAML config file, or a JSON file with comments when the
// extension is .json or .jsonc.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return Parse(data)
}

// Parse validates a YAML (or JSON) document against the config schema and
// binds it over the defaults.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.Auth.APIKey == "" {
		return errors.New("no api key configured")
	}
	if c.GitHub == nil && c.Azure == nil && c.AppVeyor == nil {
		return errors.New("no release source configured")
	}
	if c.GitHub != nil && c.Project == "" {
		return errors.New("project is required for the github source")
	}
	if c.Azure != nil && c.GitHub != nil {
		if c.Azure.GitHubOwner == "" {
			c.Azure.GitHubOwner = c.GitHub.Owner
		}
		if c.Azure.GitHubRepo == "" {
			c.Azure.GitHubRepo = c.GitHub.Repo
		}
	}
	if c.Azure != nil && (c.Azure.GitHubOwner == "" || c.Azure.GitHubRepo == "") {
		return errors.New("azure source needs githubOwner and githubRepo to resolve pull requests")
	}

	for name, gates := range map[string][]models.Gate{
		"versionGates": c.Updates.VersionGates,
		"runtimeGates": c.Updates.RuntimeGates,
	} {
		for i, g := range gates {
			if !version.Valid(g.Ceiling) || !version.Valid(g.UpgradeCeiling) {
				return fmt.Errorf("updates.%s[%d]: ceilings must be four-component versions", name, i)
			}
		}
	}
	return nil
}

func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("loading config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, fmt.Errorf("loading config schema: %w", err)
	}
	schema, err := c.Compile("config.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	return schema, nil
}
