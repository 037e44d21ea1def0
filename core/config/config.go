package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-bundler/core/bundle"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
)

const (
	DefaultAutoBundleInterval    = 10 * time.Second
	DefaultAutoBundleMempoolSize = 10
	DefaultInclusionTimeout      = 2 * time.Minute
	DefaultValidationTimeout     = 10 * time.Second
	DefaultHttpBindAddress       = "localhost:4338"
	DefaultSocketPath            = "/tmp/ap-bundler.sock"
)

// Config is the parsed, defaulted bundler configuration.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl       string
	EntryPoint      common.Address
	OpHashHelper    common.Address
	EcdsaPrivateKey *ecdsa.PrivateKey `json:"-"`
	SignerAddress   common.Address

	ValidationUrl     string
	ValidationTimeout time.Duration

	AutoBundleInterval    time.Duration
	AutoBundleMempoolSize int
	InclusionTimeout      time.Duration

	HttpBindAddress string
	SocketPath      string
	SentryDsn       string

	Reputation reputation.Config
	Mempool    mempool.Config
	Builder    bundle.BuilderConfig
	Submitter  bundle.SubmitterConfig
}

// These are read from configPath
type ConfigRaw struct {
	Environment           sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`
	EthRpcUrl             string              `yaml:"eth_rpc_url" validate:"required,url"`
	EntryPointAddress     string              `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	OpHashHelperAddress   string              `yaml:"op_hash_helper_address" validate:"omitempty,eth_addr"`
	EcdsaPrivateKey       string              `yaml:"ecdsa_private_key" validate:"required"`
	Beneficiary           string              `yaml:"beneficiary" validate:"omitempty,eth_addr"`
	MinSignerBalance      string              `yaml:"min_signer_balance" validate:"omitempty,numeric"`
	MaxBundleGas          uint64              `yaml:"max_bundle_gas"`
	BundleGasLimit        uint64              `yaml:"bundle_gas_limit"`
	AutoBundleInterval    string              `yaml:"auto_bundle_interval"`
	AutoBundleMempoolSize int                 `yaml:"auto_bundle_mempool_size" validate:"gte=0"`
	ConditionalRpc        bool                `yaml:"conditional_rpc"`
	ValidationUrl         string              `yaml:"validation_url" validate:"required,url"`
	ValidationTimeout     string              `yaml:"validation_timeout"`
	HttpBindAddress       string              `yaml:"http_bind_address"`
	SocketPath            string              `yaml:"socket_path"`
	SentryDsn             string              `yaml:"sentry_dsn" validate:"omitempty,url"`
	InclusionTimeout      string              `yaml:"inclusion_timeout"`

	Reputation ReputationRaw `yaml:"reputation"`
	Mempool    MempoolRaw    `yaml:"mempool"`
	Bundle     BundleRaw     `yaml:"bundle"`
}

type ReputationRaw struct {
	Role            string   `yaml:"role" validate:"omitempty,oneof=bundler non-bundler"`
	MinStake        string   `yaml:"min_stake" validate:"omitempty,numeric"`
	MinUnstakeDelay uint64   `yaml:"min_unstake_delay"`
	Whitelist       []string `yaml:"whitelist" validate:"dive,eth_addr"`
	Blacklist       []string `yaml:"blacklist" validate:"dive,eth_addr"`
}

type MempoolRaw struct {
	MaxOpsPerSender             uint64 `yaml:"max_ops_per_sender"`
	ThrottledEntityMempoolCount uint64 `yaml:"throttled_entity_mempool_count"`
	BatchLimit                  int    `yaml:"batch_limit" validate:"gte=0"`
}

type BundleRaw struct {
	ThrottledEntityBundleCount int `yaml:"throttled_entity_bundle_count" validate:"gte=0"`
}

// NewConfig reads the yaml file at configFilePath and builds a Config from it.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := ReadConfigRaw(configFilePath)
	if err != nil {
		return nil, err
	}

	c, err := raw.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFilePath, err)
	}

	// Environment is validated by Build, NewZapLogger panics on unknown values.
	c.Logger, err = sdklogging.NewZapLogger(c.Environment)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func ReadConfigRaw(path string) (*ConfigRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw ConfigRaw
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &raw, nil
}

var validate = validator.New()

// Build validates the raw values and converts them, filling defaults.
func (raw *ConfigRaw) Build() (*Config, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, err
	}

	if raw.Environment == "" {
		raw.Environment = sdklogging.Development
	}

	key, err := crypto.HexToECDSA(trimHex(raw.EcdsaPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("cannot parse ecdsa private key: %w", err)
	}

	entryPoint := chainio.DefaultEntryPointAddress
	if raw.EntryPointAddress != "" {
		entryPoint = common.HexToAddress(raw.EntryPointAddress)
	}
	opHashHelper := entryPoint
	if raw.OpHashHelperAddress != "" {
		opHashHelper = common.HexToAddress(raw.OpHashHelperAddress)
	}

	minSignerBalance, err := parseEther(raw.MinSignerBalance)
	if err != nil {
		return nil, fmt.Errorf("min_signer_balance: %w", err)
	}
	minStake, err := parseEther(raw.Reputation.MinStake)
	if err != nil {
		return nil, fmt.Errorf("reputation.min_stake: %w", err)
	}

	params, err := reputation.ParamsForRole(reputation.Role(raw.Reputation.Role))
	if err != nil {
		return nil, err
	}

	autoBundleInterval, err := parseDuration(raw.AutoBundleInterval, DefaultAutoBundleInterval)
	if err != nil {
		return nil, fmt.Errorf("auto_bundle_interval: %w", err)
	}
	inclusionTimeout, err := parseDuration(raw.InclusionTimeout, DefaultInclusionTimeout)
	if err != nil {
		return nil, fmt.Errorf("inclusion_timeout: %w", err)
	}
	validationTimeout, err := parseDuration(raw.ValidationTimeout, DefaultValidationTimeout)
	if err != nil {
		return nil, fmt.Errorf("validation_timeout: %w", err)
	}

	c := &Config{
		Environment:     raw.Environment,
		EthRpcUrl:       raw.EthRpcUrl,
		EntryPoint:      entryPoint,
		OpHashHelper:    opHashHelper,
		EcdsaPrivateKey: key,
		SignerAddress:   crypto.PubkeyToAddress(key.PublicKey),

		ValidationUrl:     raw.ValidationUrl,
		ValidationTimeout: validationTimeout,

		AutoBundleInterval:    autoBundleInterval,
		AutoBundleMempoolSize: raw.AutoBundleMempoolSize,
		InclusionTimeout:      inclusionTimeout,

		HttpBindAddress: raw.HttpBindAddress,
		SocketPath:      raw.SocketPath,
		SentryDsn:       raw.SentryDsn,

		Reputation: reputation.Config{
			Params:          params,
			MinStake:        minStake,
			MinUnstakeDelay: raw.Reputation.MinUnstakeDelay,
			Whitelist:       convertToAddressSlice(raw.Reputation.Whitelist),
			Blacklist:       convertToAddressSlice(raw.Reputation.Blacklist),
		},
		Mempool: mempool.Config{
			MaxOpsPerSender:             raw.Mempool.MaxOpsPerSender,
			ThrottledEntityMempoolCount: raw.Mempool.ThrottledEntityMempoolCount,
			BatchLimit:                  raw.Mempool.BatchLimit,
		},
		Builder: bundle.BuilderConfig{
			MaxBundleGas:               raw.MaxBundleGas,
			ThrottledEntityBundleCount: raw.Bundle.ThrottledEntityBundleCount,
			ConditionalRpc:             raw.ConditionalRpc,
		},
		Submitter: bundle.SubmitterConfig{
			EntryPoint:       entryPoint,
			OpHashHelper:     opHashHelper,
			Beneficiary:      common.HexToAddress(raw.Beneficiary),
			MinSignerBalance: minSignerBalance,
			GasLimit:         raw.BundleGasLimit,
			ConditionalRpc:   raw.ConditionalRpc,
		},
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.AutoBundleMempoolSize == 0 {
		c.AutoBundleMempoolSize = DefaultAutoBundleMempoolSize
	}
	if c.HttpBindAddress == "" {
		c.HttpBindAddress = DefaultHttpBindAddress
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.Mempool.MaxOpsPerSender == 0 {
		c.Mempool.MaxOpsPerSender = mempool.DefaultMaxOpsPerSender
	}
	if c.Mempool.ThrottledEntityMempoolCount == 0 {
		c.Mempool.ThrottledEntityMempoolCount = mempool.DefaultThrottledEntityMempoolCount
	}
	if c.Mempool.BatchLimit == 0 {
		c.Mempool.BatchLimit = mempool.DefaultBatchLimit
	}
	if c.Builder.MaxBundleGas == 0 {
		c.Builder.MaxBundleGas = bundle.DefaultMaxBundleGas
	}
	if c.Builder.ThrottledEntityBundleCount == 0 {
		c.Builder.ThrottledEntityBundleCount = bundle.DefaultThrottledEntityBundleCount
	}
	if c.Submitter.GasLimit == 0 {
		c.Submitter.GasLimit = bundle.DefaultBundleGasLimit
	}
}

// parseEther converts a decimal ether amount ("0.1") to wei.
func parseEther(v string) (*big.Int, error) {
	if v == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", v)
	}
	return d.Shift(18).BigInt(), nil
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", v)
	}
	return d, nil
}
