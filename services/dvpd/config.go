package dvpd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"dvpsettle/native/bundle"
	"dvpsettle/services/dvpd/ledger"
	"dvpsettle/services/dvpd/settlement"
)

// Duration wraps time.Duration so YAML and TOML accept "2s" style values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration the way it is parsed.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the dvpd runtime configuration.
type Config struct {
	Service      string                  `yaml:"service" toml:"service"`
	Environment  string                  `yaml:"environment" toml:"environment"`
	Log          LogConfig               `yaml:"log" toml:"log"`
	Ledgers      map[string]LedgerConfig `yaml:"ledgers" toml:"ledgers"`
	Participants []ParticipantConfig     `yaml:"participants" toml:"participants"`
	Market       MarketConfig            `yaml:"market" toml:"market"`
	Settlement   SettlementConfig        `yaml:"settlement" toml:"settlement"`
	Journal      JournalConfig           `yaml:"journal" toml:"journal"`
	Admin        AdminConfig             `yaml:"admin" toml:"admin"`
	Telemetry    TelemetryConfig         `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig selects level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LedgerConfig describes one ledger node and its contracts.
type LedgerConfig struct {
	Endpoint         string          `yaml:"endpoint" toml:"endpoint"`
	ChainID          uint64          `yaml:"chain_id" toml:"chain_id"`
	AuthTokenEnv     string          `yaml:"auth_token_env" toml:"auth_token_env"`
	Escrow           string          `yaml:"escrow" toml:"escrow"`
	StatusMethod     string          `yaml:"status_method" toml:"status_method"`
	AddressDiscovery string          `yaml:"address_discovery" toml:"address_discovery"`
	Contracts        ContractsConfig `yaml:"contracts" toml:"contracts"`
	RateLimit        float64         `yaml:"rate_limit" toml:"rate_limit"`
	Burst            int             `yaml:"burst" toml:"burst"`
	GasLimit         uint64          `yaml:"gas_limit" toml:"gas_limit"`
	CallTimeout      Duration        `yaml:"call_timeout" toml:"call_timeout"`
	ReceiptTimeout   Duration        `yaml:"receipt_timeout" toml:"receipt_timeout"`
}

// ContractsConfig pins contract addresses. Empty entries are resolved
// through address discovery when the ledger has a registry.
type ContractsConfig struct {
	RealDigital   string `yaml:"real_digital" toml:"real_digital"`
	TPFt          string `yaml:"tpft" toml:"tpft"`
	Operation1052 string `yaml:"operation_1052" toml:"operation_1052"`
	Operation1002 string `yaml:"operation_1002" toml:"operation_1002"`
}

// ParticipantConfig is one signing identity on one ledger. Endpoint and
// Escrow override the ledger's.
type ParticipantConfig struct {
	Name     string               `yaml:"name" toml:"name"`
	Party    string               `yaml:"party" toml:"party"`
	Ledger   string               `yaml:"ledger" toml:"ledger"`
	Endpoint string               `yaml:"endpoint" toml:"endpoint"`
	Escrow   string               `yaml:"escrow" toml:"escrow"`
	Address  string               `yaml:"address" toml:"address"`
	Signing  ledger.SigningConfig `yaml:"signing" toml:"signing"`
}

// MarketConfig is the topology the scenario builders use.
type MarketConfig struct {
	CentralLedger string                `yaml:"central_ledger" toml:"central_ledger"`
	SelicLedger   string                `yaml:"selic_ledger" toml:"selic_ledger"`
	Treasury      string                `yaml:"treasury" toml:"treasury"`
	TreasuryCNPJ8 uint64                `yaml:"treasury_cnpj8" toml:"treasury_cnpj8"`
	Banks         map[string]BankConfig `yaml:"banks" toml:"banks"`
}

// BankConfig describes a participating bank.
type BankConfig struct {
	Ledger         string `yaml:"ledger" toml:"ledger"`
	CNPJ8          uint64 `yaml:"cnpj8" toml:"cnpj8"`
	RealTokenizado string `yaml:"real_tokenizado" toml:"real_tokenizado"`
}

// SettlementConfig tunes the orchestrator.
type SettlementConfig struct {
	PollInterval   Duration    `yaml:"poll_interval" toml:"poll_interval"`
	LegTTL         Duration    `yaml:"leg_ttl" toml:"leg_ttl"`
	DeadlineGrace  Duration    `yaml:"deadline_grace" toml:"deadline_grace"`
	Execute        string      `yaml:"execute" toml:"execute"`
	VerifyBalances *bool       `yaml:"verify_balances" toml:"verify_balances"`
	Commitment     string      `yaml:"commitment" toml:"commitment"`
	Width          int         `yaml:"width" toml:"width"`
	Retry          RetryConfig `yaml:"retry" toml:"retry"`
}

// RetryConfig bounds transport retries.
type RetryConfig struct {
	Attempts int      `yaml:"attempts" toml:"attempts"`
	Initial  Duration `yaml:"initial" toml:"initial"`
	Max      Duration `yaml:"max" toml:"max"`
}

// Policy converts the config into a settlement retry policy.
func (r RetryConfig) Policy() settlement.RetryPolicy {
	return settlement.RetryPolicy{Attempts: r.Attempts, Initial: r.Initial.Duration, Max: r.Max.Duration}
}

// JournalConfig locates the run journal. An empty DSN disables it.
type JournalConfig struct {
	DSN       string `yaml:"dsn" toml:"dsn"`
	ExportDir string `yaml:"export_dir" toml:"export_dir"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Listen   string          `yaml:"listen" toml:"listen"`
	MaxConns int             `yaml:"max_conns" toml:"max_conns"`
	Auth     AdminAuthConfig `yaml:"auth" toml:"auth"`
}

// AdminAuthConfig enables HMAC JWT bearer authentication.
type AdminAuthConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	HMACSecretEnv string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
	Audience      string `yaml:"audience" toml:"audience"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
	Metrics  bool              `yaml:"metrics" toml:"metrics"`
	Traces   bool              `yaml:"traces" toml:"traces"`
}

// LoadConfig reads a YAML or TOML file, chosen by extension, applies
// defaults and validates the result. Unknown keys are rejected in both
// formats.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "dvpd"
	}
	s := &cfg.Settlement
	if s.PollInterval.Duration == 0 {
		s.PollInterval.Duration = settlement.DefaultPollInterval
	}
	if s.LegTTL.Duration == 0 {
		s.LegTTL.Duration = settlement.DefaultLegTTL
	}
	if s.DeadlineGrace.Duration == 0 {
		s.DeadlineGrace.Duration = settlement.DefaultDeadlineGrace
	}
	if strings.TrimSpace(s.Execute) == "" {
		s.Execute = string(settlement.ExecuteRelayer)
	}
	if s.VerifyBalances == nil {
		enabled := true
		s.VerifyBalances = &enabled
	}
	if strings.TrimSpace(s.Commitment) == "" {
		s.Commitment = bundle.HasherPoseidon
	}
	if s.Width == 0 {
		s.Width = bundle.DefaultWidth
	}
	if s.Retry.Attempts == 0 {
		s.Retry.Attempts = settlement.DefaultRetryPolicy.Attempts
	}
	if s.Retry.Initial.Duration == 0 {
		s.Retry.Initial.Duration = settlement.DefaultRetryPolicy.Initial
	}
	if s.Retry.Max.Duration == 0 {
		s.Retry.Max.Duration = settlement.DefaultRetryPolicy.Max
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = "127.0.0.1:8790"
	}
	if cfg.Admin.MaxConns <= 0 {
		cfg.Admin.MaxConns = 64
	}
	if cfg.Market.Banks == nil {
		cfg.Market.Banks = map[string]BankConfig{}
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Ledgers) == 0 {
		return errors.New("at least one ledger must be configured")
	}
	for name, l := range cfg.Ledgers {
		if strings.TrimSpace(name) == "" {
			return errors.New("ledger names must not be empty")
		}
		for field, addr := range map[string]string{
			"escrow":                   l.Escrow,
			"address_discovery":        l.AddressDiscovery,
			"contracts.real_digital":   l.Contracts.RealDigital,
			"contracts.tpft":           l.Contracts.TPFt,
			"contracts.operation_1052": l.Contracts.Operation1052,
			"contracts.operation_1002": l.Contracts.Operation1002,
		} {
			if err := checkAddress(addr); err != nil {
				return fmt.Errorf("ledger %s %s: %w", name, field, err)
			}
		}
		if l.RateLimit < 0 {
			return fmt.Errorf("ledger %s rate_limit must not be negative", name)
		}
	}
	if len(cfg.Participants) == 0 {
		return errors.New("at least one participant must be configured")
	}
	seen := make(map[string]bool, len(cfg.Participants))
	for _, p := range cfg.Participants {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("participant name must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate participant %s", name)
		}
		seen[name] = true
		l, ok := cfg.Ledgers[p.Ledger]
		if !ok {
			return fmt.Errorf("participant %s references unknown ledger %q", name, p.Ledger)
		}
		if strings.TrimSpace(p.Endpoint) == "" && strings.TrimSpace(l.Endpoint) == "" {
			return fmt.Errorf("participant %s has no endpoint and ledger %s defines none", name, p.Ledger)
		}
		if strings.TrimSpace(p.Escrow) == "" && strings.TrimSpace(l.Escrow) == "" {
			return fmt.Errorf("participant %s has no escrow and ledger %s defines none", name, p.Ledger)
		}
		if err := checkAddress(p.Escrow); err != nil {
			return fmt.Errorf("participant %s escrow: %w", name, err)
		}
		if err := checkAddress(p.Address); err != nil {
			return fmt.Errorf("participant %s address: %w", name, err)
		}
		sources := 0
		for _, v := range []string{p.Signing.KeyEnv, p.Signing.KeyFile, p.Signing.Keystore} {
			if strings.TrimSpace(v) != "" {
				sources++
			}
		}
		if sources != 1 {
			return fmt.Errorf("participant %s must set exactly one of signing.key_env, signing.key_file or signing.keystore", name)
		}
	}

	m := cfg.Market
	for field, ledgerName := range map[string]string{"central_ledger": m.CentralLedger, "selic_ledger": m.SelicLedger} {
		if ledgerName == "" {
			continue
		}
		if _, ok := cfg.Ledgers[ledgerName]; !ok {
			return fmt.Errorf("market %s references unknown ledger %q", field, ledgerName)
		}
	}
	for name, bank := range m.Banks {
		if _, ok := cfg.Ledgers[bank.Ledger]; !ok {
			return fmt.Errorf("bank %s references unknown ledger %q", name, bank.Ledger)
		}
		if err := checkAddress(bank.RealTokenizado); err != nil {
			return fmt.Errorf("bank %s real_tokenizado: %w", name, err)
		}
	}

	s := cfg.Settlement
	switch settlement.ExecuteMode(s.Execute) {
	case settlement.ExecuteRelayer, settlement.ExecuteCaller:
	default:
		return fmt.Errorf("settlement.execute must be %q or %q", settlement.ExecuteRelayer, settlement.ExecuteCaller)
	}
	if _, err := bundle.HasherByName(s.Commitment); err != nil {
		return fmt.Errorf("settlement.commitment: %w", err)
	}
	if s.Width < 1 {
		return errors.New("settlement.width must be positive")
	}
	if s.PollInterval.Duration < 0 || s.LegTTL.Duration < 0 || s.DeadlineGrace.Duration < 0 {
		return errors.New("settlement durations must not be negative")
	}
	if cfg.Admin.Auth.Enabled && strings.TrimSpace(cfg.Admin.Auth.HMACSecretEnv) == "" {
		return errors.New("admin.auth.hmac_secret_env is required when auth is enabled")
	}
	return nil
}

func checkAddress(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("invalid address %q", raw)
	}
	return nil
}

// address parses an optional hex address; validation already ran.
func address(raw string) common.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}
	}
	return common.HexToAddress(raw)
}
