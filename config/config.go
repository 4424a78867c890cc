package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// CurveConfig selects and parametrises the pricing curve. Big values are
// decimal strings so TOML integers never truncate them.
type CurveConfig struct {
	Kind             string `toml:"Kind"`
	InitialPrice     string `toml:"InitialPrice"`
	Delta            string `toml:"Delta"`
	MinPrice         string `toml:"MinPrice"`
	QuadraticDivisor uint64 `toml:"QuadraticDivisor"`
}

// FeeConfig carries the fee split in basis points.
type FeeConfig struct {
	SubjectFeeBps  uint64 `toml:"SubjectFeeBps"`
	ProtocolFeeBps uint64 `toml:"ProtocolFeeBps"`
}

// Config is the node configuration loaded from TOML.
type Config struct {
	RPCAddress          string      `toml:"RPCAddress"`
	DataDir             string      `toml:"DataDir"`
	StorageBackend      string      `toml:"StorageBackend"`
	TradeLogPath        string      `toml:"TradeLogPath"`
	Environment         string      `toml:"Environment"`
	TreasuryAddress     string      `toml:"TreasuryAddress"`
	ReserveVaultAddress string      `toml:"ReserveVaultAddress"`
	Curve               CurveConfig `toml:"Curve"`
	Fees                FeeConfig   `toml:"Fees"`
}

// Supported storage backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Supported curve kinds.
const (
	CurveExponential = "exponential"
	CurveQuadratic   = "quadratic"
)

// Default returns the configuration written when no file exists yet:
// an exponential curve starting at 0.001 units with a 1.0001 per-share step
// and an 8%/2% subject/protocol fee split.
func Default() *Config {
	return &Config{
		RPCAddress:          "127.0.0.1:8645",
		DataDir:             "./keymarket-data",
		StorageBackend:      BackendLevelDB,
		TradeLogPath:        "./keymarket-data/trades.db",
		Environment:         "local",
		TreasuryAddress:     "",
		ReserveVaultAddress: "",
		Curve: CurveConfig{
			Kind:             CurveExponential,
			InitialPrice:     "1000000000000000",
			Delta:            "1000100000000000000",
			MinPrice:         "1000000000000000",
			QuadraticDivisor: 16000,
		},
		Fees: FeeConfig{
			SubjectFeeBps:  800,
			ProtocolFeeBps: 200,
		},
	}
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = defaults.RPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaults.DataDir
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = defaults.StorageBackend
	}
	if strings.TrimSpace(cfg.TradeLogPath) == "" {
		cfg.TradeLogPath = filepath.Join(cfg.DataDir, "trades.db")
	}
	if strings.TrimSpace(cfg.Curve.Kind) == "" {
		cfg.Curve = defaults.Curve
	}
	if cfg.Curve.QuadraticDivisor == 0 {
		cfg.Curve.QuadraticDivisor = defaults.Curve.QuadraticDivisor
	}
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
