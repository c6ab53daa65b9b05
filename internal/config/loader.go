package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with precedence:
// defaults → YAML file → environment variables → command line flags.
// It performs validation and runtime transformations before returning the configuration.
func Load() (*Config, error) {
	// Parse command line flags if not already parsed
	if !flag.Parsed() {
		flag.Parse()
	}

	// Step 1: Start with defaults
	cfg := defaultConfig()

	// Step 2: Overlay the configuration file, if any
	if path := configFilePath(); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	// Step 3: Apply environment variables
	loadMQTTFromEnv(&cfg.MQTT)
	loadRedisFromEnv(&cfg.Redis)
	loadStoreFromEnv(&cfg.Store)
	loadRelayFromEnv(&cfg.Relay)
	if err := loadDecodedFromEnv(cfg); err != nil {
		return nil, err
	}

	// Step 4: Apply command line flags (highest precedence)
	applyMQTTFlags(&cfg.MQTT)
	applyRedisFlags(&cfg.Redis)
	applyStoreFlags(&cfg.Store, &cfg.Postgres)
	applyRelayFlags(&cfg.Relay)
	applyAuxFlags(cfg)

	// Step 5: Apply runtime validations and transformations
	if err := applyRuntimeValidation(cfg); err != nil {
		return nil, err
	}

	// Step 6: Validate the final configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// configFilePath returns the -config flag, falling back to RELAY_CONFIG_FILE
func configFilePath() string {
	if *flagConfigFile != "" {
		return *flagConfigFile
	}
	return getEnvString("RELAY_CONFIG_FILE")
}

// loadFile overlays the YAML document at path onto cfg. Absent keys keep their value.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator supplied
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
