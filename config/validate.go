package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"keymarket/native/market"
)

// Validate checks the configuration for values the node cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	if _, err := c.Treasury(); err != nil {
		return err
	}
	if _, err := c.ReserveVault(); err != nil {
		return err
	}
	if _, err := c.BuildCurve(); err != nil {
		return err
	}
	if _, err := c.FeePolicy(); err != nil {
		return err
	}
	return nil
}

// Treasury parses the configured protocol treasury address.
func (c *Config) Treasury() ([20]byte, error) {
	return parseAddress("TreasuryAddress", c.TreasuryAddress)
}

// ReserveVault parses the configured reserve vault address.
func (c *Config) ReserveVault() ([20]byte, error) {
	return parseAddress("ReserveVaultAddress", c.ReserveVaultAddress)
}

func parseAddress(field, raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("config: %s is required", field)
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("config: %s is not a hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

// BuildCurve constructs the configured pricing curve.
func (c *Config) BuildCurve() (market.Curve, error) {
	switch c.Curve.Kind {
	case CurveExponential:
		initialPrice, err := parseUint256("Curve.InitialPrice", c.Curve.InitialPrice)
		if err != nil {
			return nil, err
		}
		delta, err := parseUint256("Curve.Delta", c.Curve.Delta)
		if err != nil {
			return nil, err
		}
		minPrice, err := parseUint256("Curve.MinPrice", c.Curve.MinPrice)
		if err != nil {
			return nil, err
		}
		return market.NewExponentialCurve(market.CurveParams{
			InitialPrice: initialPrice,
			Delta:        delta,
			MinPrice:     minPrice,
		})
	case CurveQuadratic:
		return market.NewQuadraticIntegralCurve(c.Curve.QuadraticDivisor)
	default:
		return nil, fmt.Errorf("config: unknown curve kind %q", c.Curve.Kind)
	}
}

// FeePolicy converts the basis-point fee split into the engine's WAD policy.
func (c *Config) FeePolicy() (market.FeePolicy, error) {
	return market.FeePolicyFromBps(c.Fees.SubjectFeeBps, c.Fees.ProtocolFeeBps)
}

func parseUint256(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("config: %s is required", field)
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("config: %s is not a decimal integer", field)
	}
	value, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, fmt.Errorf("config: %s exceeds 256 bits", field)
	}
	return value, nil
}
