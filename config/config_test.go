package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bondvault.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.ListenAddress != ":8545" {
		t.Fatalf("listen address %q", cfg.ListenAddress)
	}

	treasuryParams, err := cfg.TreasuryParams()
	if err != nil {
		t.Fatalf("treasury params: %v", err)
	}
	if err := treasuryParams.Validate(); err != nil {
		t.Fatalf("default treasury params invalid: %v", err)
	}
	bondParams, err := cfg.BondParams()
	if err != nil {
		t.Fatalf("bond params: %v", err)
	}
	if bondParams.CohortBucketSeconds != 30*24*60*60 {
		t.Fatalf("cohort bucket %d", bondParams.CohortBucketSeconds)
	}

	// The written file must load back identically.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Curve.MaxVestingDays != cfg.Curve.MaxVestingDays {
		t.Fatalf("curve params did not round-trip")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bondvault.toml")
	body := `
ListenAddress = ":9000"
InMemoryStorage = true

[treasury]
MinimumConversionAmount = "2500"
MaxSlippageBps = 50
GuaranteePeriodSeconds = 864000
GuaranteeSuccessRateBps = 9000
StartBackingRatioBps = 18000
FloorBackingRatioBps = 12000
EmergencyThresholdBps = 9500
StagedSlices = 4
StagedCadenceSeconds = 3600
SplitImmediateBps = 2500
OrderDeadlineGraceSeconds = 7200
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" || !cfg.InMemoryStorage {
		t.Fatalf("top-level overrides lost: %+v", cfg)
	}
	treasuryParams, err := cfg.TreasuryParams()
	if err != nil {
		t.Fatalf("treasury params: %v", err)
	}
	if treasuryParams.MinimumConversionAmount.Cmp(big.NewInt(2500)) != 0 {
		t.Fatalf("minimum conversion %s", treasuryParams.MinimumConversionAmount)
	}
	if treasuryParams.StagedSlices != 4 {
		t.Fatalf("staged slices %d", treasuryParams.StagedSlices)
	}
	// Sections left out of the file keep their defaults.
	if cfg.Curve.MaxVestingDays != 1825 {
		t.Fatalf("curve defaults lost: %d", cfg.Curve.MaxVestingDays)
	}
}

func TestLoadRejectsInvalidParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bondvault.toml")
	body := `
[treasury]
MinimumConversionAmount = "0"
MaxSlippageBps = 100
GuaranteePeriodSeconds = 864000
GuaranteeSuccessRateBps = 9500
StartBackingRatioBps = 20000
FloorBackingRatioBps = 11000
EmergencyThresholdBps = 10000
StagedSlices = 10
StagedCadenceSeconds = 86400
SplitImmediateBps = 5000
OrderDeadlineGraceSeconds = 259200
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("zero minimum conversion amount accepted")
	}
}
