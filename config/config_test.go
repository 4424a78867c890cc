package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keymarket/native/market"
)

const validTOML = `
RPCAddress = "127.0.0.1:9999"
DataDir = "/tmp/keymarket-test"
StorageBackend = "memory"
TradeLogPath = "/tmp/keymarket-test/trades.db"
Environment = "test"
TreasuryAddress = "0x00000000000000000000000000000000000000aa"
ReserveVaultAddress = "0x00000000000000000000000000000000000000bb"

[Curve]
Kind = "exponential"
InitialPrice = "1000000000000000"
Delta = "1000100000000000000"
MinPrice = "1000000000000000"

[Fees]
SubjectFeeBps = 800
ProtocolFeeBps = 200
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	defaults := Default()
	if cfg.RPCAddress != defaults.RPCAddress || cfg.StorageBackend != defaults.StorageBackend {
		t.Fatalf("created config %+v differs from defaults", cfg)
	}
	// The default file ships without treasury or vault addresses; the
	// operator fills them in before the node will validate.
	if cfg.TreasuryAddress != "" || cfg.ReserveVaultAddress != "" {
		t.Fatalf("default addresses should be empty, got %q/%q", cfg.TreasuryAddress, cfg.ReserveVaultAddress)
	}
}

func TestLoadValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9999" || cfg.Environment != "test" {
		t.Fatalf("loaded config %+v", cfg)
	}
	curve, err := cfg.BuildCurve()
	if err != nil {
		t.Fatalf("BuildCurve: %v", err)
	}
	if curve.Name() != "exponential" {
		t.Fatalf("curve = %q", curve.Name())
	}
	if _, err := cfg.FeePolicy(); err != nil {
		t.Fatalf("FeePolicy: %v", err)
	}
	treasury, err := cfg.Treasury()
	if err != nil {
		t.Fatalf("Treasury: %v", err)
	}
	if treasury[19] != 0xaa {
		t.Fatalf("treasury = %v", treasury)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	contents := validTOML + "\nBogusKey = true\n"
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	contents := strings.Replace(validTOML, `"memory"`, `"cassandra"`, 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestLoadRejectsMissingTreasury(t *testing.T) {
	contents := strings.Replace(validTOML, `TreasuryAddress = "0x00000000000000000000000000000000000000aa"`, `TreasuryAddress = ""`, 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("empty treasury accepted")
	}
}

func TestLoadRejectsBadCurveParams(t *testing.T) {
	// Delta of exactly 1.0 never moves the price.
	contents := strings.Replace(validTOML, `Delta = "1000100000000000000"`, `Delta = "1000000000000000000"`, 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("delta of 1.0 accepted")
	}
}

func TestLoadRejectsExcessiveFees(t *testing.T) {
	contents := strings.Replace(validTOML, "SubjectFeeBps = 800", "SubjectFeeBps = 9900", 1)
	if _, err := Load(writeConfig(t, contents)); err == nil {
		t.Fatal("fees above 100% accepted")
	}
}

func TestQuadraticCurveConfig(t *testing.T) {
	contents := strings.Replace(validTOML, `Kind = "exponential"`, `Kind = "quadratic"`, 1)
	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Curve.QuadraticDivisor != market.DefaultQuadraticDivisor {
		t.Fatalf("divisor = %d, want default %d", cfg.Curve.QuadraticDivisor, market.DefaultQuadraticDivisor)
	}
	curve, err := cfg.BuildCurve()
	if err != nil {
		t.Fatalf("BuildCurve: %v", err)
	}
	if curve.Name() != "quadratic-integral" {
		t.Fatalf("curve = %q", curve.Name())
	}
	if curve.Bootstrap() != market.BootstrapSubjectOnly {
		t.Fatal("quadratic curve should gate the first unit")
	}
}

func TestApplyDefaultsFillsGaps(t *testing.T) {
	contents := `
TreasuryAddress = "0x00000000000000000000000000000000000000aa"
ReserveVaultAddress = "0x00000000000000000000000000000000000000bb"
`
	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defaults := Default()
	if cfg.RPCAddress != defaults.RPCAddress {
		t.Fatalf("RPCAddress = %q", cfg.RPCAddress)
	}
	if cfg.StorageBackend != defaults.StorageBackend {
		t.Fatalf("StorageBackend = %q", cfg.StorageBackend)
	}
	if cfg.Curve.Kind != defaults.Curve.Kind {
		t.Fatalf("Curve.Kind = %q", cfg.Curve.Kind)
	}
	if cfg.TradeLogPath == "" {
		t.Fatal("TradeLogPath not defaulted")
	}
}

func TestFeesSubjectToValidation(t *testing.T) {
	// Fees may legitimately be zero.
	contents := strings.Replace(validTOML, "SubjectFeeBps = 800", "SubjectFeeBps = 0", 1)
	contents = strings.Replace(contents, "ProtocolFeeBps = 200", "ProtocolFeeBps = 0", 1)
	cfg, err := Load(writeConfig(t, contents))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.FeePolicy(); err != nil {
		t.Fatalf("zero fees rejected: %v", err)
	}
}
