// Package config reads the router's runtime configuration from the
// environment and fails fast on anything that would only blow up later:
// a malformed admin key, an admin address that does not match the key, a
// store backend the build does not know.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/attest"
	"github.com/meterpay/meterpay/chains"
	"github.com/meterpay/meterpay/evm"
	"github.com/meterpay/meterpay/router"
)

// Store backend selectors for STORE_BACKEND.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

const (
	defaultListenAddr     = ":8080"
	defaultStorePath      = "meterpay.json"
	defaultReceiptTimeout = 2 * time.Minute
)

// Config is the validated runtime configuration.
type Config struct {
	// Admin is the operator keypair parsed from ADMIN_PKEY.
	Admin *evm.Admin

	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// AttestationURL is the attestation service root.
	AttestationURL string

	// StoreBackend is one of memory, file or redis.
	StoreBackend string
	// StorePath is the snapshot path for the file backend.
	StorePath string
	// RedisAddr and RedisPassword configure the redis backend.
	RedisAddr     string
	RedisPassword string

	// SeedPath optionally points at a JSON file of agents and users to
	// load at startup. Development convenience; production deployments
	// feed the directories from the marketplace.
	SeedPath string

	// PublisherTimeout bounds one forwarded publisher call.
	PublisherTimeout time.Duration
	// ReceiptTimeout bounds one on-chain receipt wait.
	ReceiptTimeout time.Duration
	// AttestationBudget bounds one attestation wait end to end.
	AttestationBudget time.Duration

	// RateLimit and RateBurst set the per-API-key request budget.
	RateLimit float64
	RateBurst int

	rpcOverrides   map[uint64]string
	tokenOverrides []tokenOverride
}

type tokenOverride struct {
	chainID uint64
	symbol  string
	address string
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("ROUTER_LISTEN_ADDR", defaultListenAddr),
		AttestationURL:    envOr("ATTESTATION_API_URL", attest.SandboxURL),
		StoreBackend:      strings.ToLower(envOr("STORE_BACKEND", StoreMemory)),
		StorePath:         envOr("STORE_PATH", defaultStorePath),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		SeedPath:          os.Getenv("SEED_PATH"),
		rpcOverrides:      make(map[uint64]string),
		PublisherTimeout:  router.DefaultPublisherTimeout,
		ReceiptTimeout:    defaultReceiptTimeout,
		AttestationBudget: 20 * time.Minute,
		RateLimit:         10,
		RateBurst:         20,
	}

	pkey := os.Getenv("ADMIN_PKEY")
	if pkey == "" {
		return nil, meterpay.NewError(meterpay.KindConfiguration, "ADMIN_PKEY is required")
	}
	admin, err := evm.NewAdmin(pkey)
	if err != nil {
		return nil, meterpay.WrapError(meterpay.KindConfiguration, err, "ADMIN_PKEY")
	}
	cfg.Admin = admin

	// ADMIN_ADDRESS is redundant with the key on purpose: it catches a key
	// swapped for the wrong environment before any permit names it as
	// spender.
	if want := os.Getenv("ADMIN_ADDRESS"); want != "" {
		if !meterpay.EqualAddress(want, admin.Address().Hex()) {
			return nil, meterpay.NewError(meterpay.KindConfiguration,
				"ADMIN_ADDRESS %s does not match the address %s derived from ADMIN_PKEY",
				want, admin.Address().Hex())
		}
	}

	switch cfg.StoreBackend {
	case StoreMemory, StoreFile:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return nil, meterpay.NewError(meterpay.KindConfiguration,
				"STORE_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return nil, meterpay.NewError(meterpay.KindConfiguration,
			"unknown STORE_BACKEND %q, want memory, file or redis", cfg.StoreBackend)
	}

	if cfg.PublisherTimeout, err = envDuration("PUBLISHER_TIMEOUT", cfg.PublisherTimeout); err != nil {
		return nil, err
	}
	if cfg.ReceiptTimeout, err = envDuration("RECEIPT_TIMEOUT", cfg.ReceiptTimeout); err != nil {
		return nil, err
	}
	if cfg.AttestationBudget, err = envDuration("ATTESTATION_TIMEOUT", cfg.AttestationBudget); err != nil {
		return nil, err
	}

	cfg.collectOverrides()
	return cfg, nil
}

// collectOverrides scans the environment for RPC_URL_{chainId} and
// TOKEN_ADDRESS_{SYMBOL}_{chainId} entries. Entries for chains the registry
// does not carry are collected anyway and ignored at apply time.
func (c *Config) collectOverrides() {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if rest, found := strings.CutPrefix(key, "RPC_URL_"); found {
			if id, ok := parseChainID(rest); ok {
				c.rpcOverrides[id] = value
			}
			continue
		}
		if rest, found := strings.CutPrefix(key, "TOKEN_ADDRESS_"); found {
			symbol, idPart, ok := strings.Cut(rest, "_")
			if !ok {
				continue
			}
			if id, ok := parseChainID(idPart); ok {
				c.tokenOverrides = append(c.tokenOverrides, tokenOverride{
					chainID: id,
					symbol:  symbol,
					address: value,
				})
			}
		}
	}
}

// Registry builds the chain registry with every override applied.
func (c *Config) Registry() *chains.Registry {
	reg := chains.Default()
	for id, url := range c.rpcOverrides {
		reg.OverrideRPC(id, url)
	}
	for _, o := range c.tokenOverrides {
		reg.OverrideTokenAddress(o.chainID, o.symbol, o.address)
	}
	return reg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, meterpay.NewError(meterpay.KindConfiguration, "%s: %q is not a duration", key, v)
	}
	if d <= 0 {
		return 0, meterpay.NewError(meterpay.KindConfiguration, "%s must be positive, got %s", key, d)
	}
	return d, nil
}

func parseChainID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
