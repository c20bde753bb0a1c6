// Package config provides configuration for the controller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the controller configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Remote engine
	EngineURL     string
	EngineTimeout time.Duration

	// Local engine
	LocalSeed int64

	// Archive
	ArchiveURL string

	// Experiment polling
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Presentation
	IncludeMetadata  bool
	NotificationsMax int

	// Scenario presets
	ScenarioPath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		EngineURL:        getEnv("ENGINE_URL", "http://localhost:9000"),
		EngineTimeout:    time.Duration(getEnvInt("ENGINE_TIMEOUT_MS", 60000)) * time.Millisecond,
		LocalSeed:        int64(getEnvInt("LOCAL_SEED", 1)),
		ArchiveURL:       getEnv("ARCHIVE_URL", "file:simdeck.db?cache=shared&mode=rwc"),
		PollInterval:     time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		PollTimeout:      time.Duration(getEnvInt("POLL_TIMEOUT_MS", 120000)) * time.Millisecond,
		IncludeMetadata:  getEnvBool("INCLUDE_METADATA", false),
		NotificationsMax: getEnvInt("NOTIFICATIONS_MAX", 200),
		ScenarioPath:     getEnv("SCENARIO_PATH", ""),
	}
	return cfg
}

// Scenario is a simulation preset loaded from YAML. Presets let a deployment
// register simulations at startup instead of through the API.
type Scenario struct {
	Name   string `yaml:"name"`
	Mode   string `yaml:"mode"`
	Agents []struct {
		Name       string            `yaml:"name"`
		ID         string            `yaml:"id"`
		Attributes map[string]string `yaml:"attributes"`
	} `yaml:"agents"`
}

// ScenarioFile is the top-level YAML document.
type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios parses simulation presets from path. A preset without a
// mode defaults to local.
func LoadScenarios(path string) (*ScenarioFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var file ScenarioFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	for i := range file.Scenarios {
		sc := &file.Scenarios[i]
		if sc.Name == "" {
			return nil, fmt.Errorf("scenario %d is missing a name", i)
		}
		switch sc.Mode {
		case "local", "remote":
		case "":
			sc.Mode = "local"
		default:
			return nil, fmt.Errorf("scenario %q has unknown mode %q", sc.Name, sc.Mode)
		}
	}
	return &file, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
