package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HSMConfig is the YAML description of the PKCS#11 tokens a node uses.
//
//	tokens:
//	  - id: 1
//	    name: issuing-hsm
//	    lib: /usr/lib/softhsm/libsofthsm2.so
//	    token: ca-token
//	    pin_env: CACORE_HSM_PIN
type HSMConfig struct {
	Tokens []HSMTokenConfig `yaml:"tokens"`
}

// HSMTokenConfig describes one PKCS#11 token.
type HSMTokenConfig struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`

	// Lib is the path to the PKCS#11 library (.so/.dylib/.dll)
	Lib string `yaml:"lib"`

	// Token identifies the token by label
	Token string `yaml:"token"`

	// TokenSerial identifies the token by serial number
	TokenSerial string `yaml:"token_serial"`

	// Slot identifies the token by slot ID (less portable)
	Slot *uint `yaml:"slot"`

	// PinEnv names the environment variable holding the user PIN
	PinEnv string `yaml:"pin_env"`
}

// PKCS11Config is the resolved configuration of a PKCS#11 token.
type PKCS11Config struct {
	ID          int
	Name        string
	ModulePath  string
	TokenLabel  string
	TokenSerial string
	PIN         string
	SlotID      *uint
}

// LoadHSMConfig loads HSM configuration from a YAML file.
func LoadHSMConfig(path string) (*HSMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HSM config file: %w", err)
	}

	var cfg HSMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse HSM config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HSM config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every token entry.
func (c *HSMConfig) Validate() error {
	seen := make(map[int]bool)
	for i, t := range c.Tokens {
		if t.ID == 0 {
			return fmt.Errorf("tokens[%d]: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tokens[%d]: duplicate id %d", i, t.ID)
		}
		seen[t.ID] = true
		if t.Lib == "" {
			return fmt.Errorf("tokens[%d]: lib is required", i)
		}
		if t.Token == "" && t.TokenSerial == "" && t.Slot == nil {
			return fmt.Errorf("tokens[%d]: one of token, token_serial or slot is required", i)
		}
		if t.PinEnv == "" {
			return fmt.Errorf("tokens[%d]: pin_env is required", i)
		}
	}
	return nil
}

// Resolve reads the PIN from the environment.
func (t HSMTokenConfig) Resolve() (PKCS11Config, error) {
	pin := os.Getenv(t.PinEnv)
	if pin == "" {
		return PKCS11Config{}, fmt.Errorf("environment variable %s is not set or empty", t.PinEnv)
	}
	name := t.Name
	if name == "" {
		name = t.Token
	}
	return PKCS11Config{
		ID:          t.ID,
		Name:        name,
		ModulePath:  t.Lib,
		TokenLabel:  t.Token,
		TokenSerial: t.TokenSerial,
		PIN:         pin,
		SlotID:      t.Slot,
	}, nil
}
