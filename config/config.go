package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"bondvault/native/bond"
	"bondvault/native/curve"
	"bondvault/native/treasury"
)

// Config is the daemon configuration. Engine parameter sections mirror the
// in-memory parameter structs, with big-integer amounts carried as decimal
// strings.
type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	MetricsAddress  string `toml:"MetricsAddress"`
	DataDir         string `toml:"DataDir"`
	LogFile         string `toml:"LogFile"`
	LogMaxSizeMB    int    `toml:"LogMaxSizeMB"`
	LogMaxBackups   int    `toml:"LogMaxBackups"`
	JWTSecretEnv    string `toml:"JWTSecretEnv"`
	InMemoryStorage bool   `toml:"InMemoryStorage"`

	// Hex-encoded 20-byte account addresses granted admin and operator
	// roles at boot. The bond module address identifies the issuance
	// engine to the treasury.
	AdminAddresses    []string `toml:"AdminAddresses"`
	OperatorAddresses []string `toml:"OperatorAddresses"`
	BondModuleAddress string   `toml:"BondModuleAddress"`

	OracleMaxAgeSeconds int64  `toml:"OracleMaxAgeSeconds"`
	VenueFeeBps         uint64 `toml:"VenueFeeBps"`

	Curve    curve.CurveParams  `toml:"curve"`
	Market   curve.MarketParams `toml:"market"`
	Treasury TreasurySection    `toml:"treasury"`
	Bond     BondSection        `toml:"bond"`
}

// TreasurySection is the on-disk shape of the treasury parameters.
type TreasurySection struct {
	MinimumConversionAmount   string `toml:"MinimumConversionAmount"`
	MaxSlippageBps            uint64 `toml:"MaxSlippageBps"`
	GuaranteePeriodSeconds    int64  `toml:"GuaranteePeriodSeconds"`
	GuaranteeSuccessRateBps   uint64 `toml:"GuaranteeSuccessRateBps"`
	StartBackingRatioBps      uint64 `toml:"StartBackingRatioBps"`
	FloorBackingRatioBps      uint64 `toml:"FloorBackingRatioBps"`
	EmergencyThresholdBps     uint64 `toml:"EmergencyThresholdBps"`
	StagedSlices              uint64 `toml:"StagedSlices"`
	StagedCadenceSeconds      int64  `toml:"StagedCadenceSeconds"`
	SplitImmediateBps         uint64 `toml:"SplitImmediateBps"`
	OrderDeadlineGraceSeconds int64  `toml:"OrderDeadlineGraceSeconds"`
}

// BondSection is the on-disk shape of the issuance parameters.
type BondSection struct {
	MinimumBondAmount   string `toml:"MinimumBondAmount"`
	CohortBucketSeconds int64  `toml:"CohortBucketSeconds"`
}

// Default returns the bootstrap configuration.
func Default() *Config {
	return &Config{
		ListenAddress:  ":8545",
		MetricsAddress: ":9464",
		DataDir:        "./bondvault-data",
		LogMaxSizeMB:   64,
		LogMaxBackups:  5,
		JWTSecretEnv:   "BONDVAULT_JWT_SECRET",

		BondModuleAddress:   "000000000000000000000000000000000000b0bd",
		OracleMaxAgeSeconds: 300,
		VenueFeeBps:         30,

		Curve:    curve.DefaultCurveParams(),
		Market:   curve.DefaultMarketParams(),
		Treasury: treasurySection(treasury.DefaultParams()),
		Bond:     bondSection(bond.DefaultParams()),
	}
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := c.Curve.Validate(); err != nil {
		return err
	}
	if err := c.Market.Validate(); err != nil {
		return err
	}
	treasuryParams, err := c.TreasuryParams()
	if err != nil {
		return err
	}
	if err := treasuryParams.Validate(); err != nil {
		return err
	}
	bondParams, err := c.BondParams()
	if err != nil {
		return err
	}
	if err := bondParams.Validate(); err != nil {
		return err
	}
	if _, err := c.BondModuleAddr(); err != nil {
		return err
	}
	if _, err := c.AdminAddrs(); err != nil {
		return err
	}
	if _, err := c.OperatorAddrs(); err != nil {
		return err
	}
	if c.VenueFeeBps >= 10_000 {
		return fmt.Errorf("config: VenueFeeBps %d out of range", c.VenueFeeBps)
	}
	return nil
}

// BondModuleAddr decodes the configured bond module account.
func (c *Config) BondModuleAddr() ([20]byte, error) {
	return parseAddr(c.BondModuleAddress)
}

// AdminAddrs decodes the configured admin accounts.
func (c *Config) AdminAddrs() ([][20]byte, error) {
	return parseAddrs(c.AdminAddresses)
}

// OperatorAddrs decodes the configured operator accounts.
func (c *Config) OperatorAddrs() ([][20]byte, error) {
	return parseAddrs(c.OperatorAddresses)
}

func parseAddrs(list []string) ([][20]byte, error) {
	out := make([][20]byte, 0, len(list))
	for _, s := range list {
		addr, err := parseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAddr(s string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("config: malformed address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

// TreasuryParams converts the on-disk treasury section to engine parameters.
func (c *Config) TreasuryParams() (treasury.Params, error) {
	minimum, err := parseAmount(c.Treasury.MinimumConversionAmount)
	if err != nil {
		return treasury.Params{}, fmt.Errorf("config: treasury MinimumConversionAmount: %w", err)
	}
	return treasury.Params{
		MinimumConversionAmount:   minimum,
		MaxSlippageBps:            c.Treasury.MaxSlippageBps,
		GuaranteePeriodSeconds:    c.Treasury.GuaranteePeriodSeconds,
		GuaranteeSuccessRateBps:   c.Treasury.GuaranteeSuccessRateBps,
		StartBackingRatioBps:      c.Treasury.StartBackingRatioBps,
		FloorBackingRatioBps:      c.Treasury.FloorBackingRatioBps,
		EmergencyThresholdBps:     c.Treasury.EmergencyThresholdBps,
		StagedSlices:              c.Treasury.StagedSlices,
		StagedCadenceSeconds:      c.Treasury.StagedCadenceSeconds,
		SplitImmediateBps:         c.Treasury.SplitImmediateBps,
		OrderDeadlineGraceSeconds: c.Treasury.OrderDeadlineGraceSeconds,
	}, nil
}

// BondParams converts the on-disk bond section to engine parameters.
func (c *Config) BondParams() (bond.Params, error) {
	minimum, err := parseAmount(c.Bond.MinimumBondAmount)
	if err != nil {
		return bond.Params{}, fmt.Errorf("config: bond MinimumBondAmount: %w", err)
	}
	return bond.Params{
		MinimumBondAmount:   minimum,
		CohortBucketSeconds: c.Bond.CohortBucketSeconds,
	}, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount missing")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

func treasurySection(p treasury.Params) TreasurySection {
	return TreasurySection{
		MinimumConversionAmount:   p.MinimumConversionAmount.String(),
		MaxSlippageBps:            p.MaxSlippageBps,
		GuaranteePeriodSeconds:    p.GuaranteePeriodSeconds,
		GuaranteeSuccessRateBps:   p.GuaranteeSuccessRateBps,
		StartBackingRatioBps:      p.StartBackingRatioBps,
		FloorBackingRatioBps:      p.FloorBackingRatioBps,
		EmergencyThresholdBps:     p.EmergencyThresholdBps,
		StagedSlices:              p.StagedSlices,
		StagedCadenceSeconds:      p.StagedCadenceSeconds,
		SplitImmediateBps:         p.SplitImmediateBps,
		OrderDeadlineGraceSeconds: p.OrderDeadlineGraceSeconds,
	}
}

func bondSection(p bond.Params) BondSection {
	return BondSection{
		MinimumBondAmount:   p.MinimumBondAmount.String(),
		CohortBucketSeconds: p.CohortBucketSeconds,
	}
}

// createDefault writes a default configuration file and returns it.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
