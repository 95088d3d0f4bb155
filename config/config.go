// Package config は環境変数からアプリケーション設定を読み込む
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CatalogPolicy はカタログ読み込み時の失敗ポリシー
type CatalogPolicy string

const (
	// PolicyAbort は1件でも失敗したらカタログ全体を失敗にする
	PolicyAbort CatalogPolicy = "abort"
	// PolicyIsolate は失敗した物件だけをスキップする
	PolicyIsolate CatalogPolicy = "isolate"
)

// Config はアプリケーション設定
type Config struct {
	// サーバー
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// ブロックチェーン
	RPCURL       string
	NetworksFile string   // chainId -> {realEstate, escrow} のアドレス設定
	PrivateKeys  []string // ウォレット（キーリング）のアカウント。先頭がデフォルト

	// メタデータ
	IPFSGateway     string
	MetadataTimeout time.Duration
	CatalogPolicy   CatalogPolicy

	// リトライ・確定待ち
	ReadRetryAttempts        int
	ReadRetryBaseDelay       time.Duration
	ConfirmationPollInterval time.Duration
	ConfirmationTimeout      time.Duration
}

// ローカル hardhat 向けのデフォルト値
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultRPCURL                   = "http://127.0.0.1:8545"
	DefaultNetworksFile             = "config.json"
	DefaultIPFSGateway              = "https://ipfs.io/ipfs/"
	DefaultMetadataTimeout          = 10 * time.Second
	DefaultReadRetryAttempts        = 3
	DefaultReadRetryBaseDelay       = 250 * time.Millisecond
	DefaultConfirmationPollInterval = 2 * time.Second
	DefaultConfirmationTimeout      = 2 * time.Minute
)

// Load は環境変数から設定を読み込む。
// .env があれば先に読み込む（ローカル開発用）
func Load() (*Config, error) {
	// .env が無くてもエラーにしない
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		RPCURL:                   getEnv("RPC_URL", DefaultRPCURL),
		NetworksFile:             getEnv("NETWORKS_FILE", DefaultNetworksFile),
		PrivateKeys:              splitList(os.Getenv("WALLET_PRIVATE_KEYS")),
		IPFSGateway:              getEnv("IPFS_GATEWAY", DefaultIPFSGateway),
		MetadataTimeout:          getEnvDuration("METADATA_TIMEOUT", DefaultMetadataTimeout),
		CatalogPolicy:            CatalogPolicy(getEnv("CATALOG_POLICY", string(PolicyAbort))),
		ReadRetryAttempts:        getEnvInt("READ_RETRY_ATTEMPTS", DefaultReadRetryAttempts),
		ReadRetryBaseDelay:       getEnvDuration("READ_RETRY_BASE_DELAY", DefaultReadRetryBaseDelay),
		ConfirmationPollInterval: getEnvDuration("CONFIRMATION_POLL_INTERVAL", DefaultConfirmationPollInterval),
		ConfirmationTimeout:      getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は必須項目と値の範囲を検証する
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.NetworksFile == "" {
		return fmt.Errorf("NETWORKS_FILE is required")
	}

	for i, key := range c.PrivateKeys {
		// 0x の有無はどちらでもよい
		if len(strings.TrimPrefix(key, "0x")) != 64 {
			return fmt.Errorf("WALLET_PRIVATE_KEYS[%d] must be 64 hex characters (with or without 0x prefix)", i)
		}
	}

	switch c.CatalogPolicy {
	case PolicyAbort, PolicyIsolate:
	default:
		return fmt.Errorf("CATALOG_POLICY must be %q or %q, got %q", PolicyAbort, PolicyIsolate, c.CatalogPolicy)
	}

	if c.ReadRetryAttempts < 1 {
		return fmt.Errorf("READ_RETRY_ATTEMPTS must be at least 1")
	}
	if c.ConfirmationPollInterval <= 0 {
		return fmt.Errorf("CONFIRMATION_POLL_INTERVAL must be positive")
	}

	return nil
}

// IsDevelopment は開発環境かどうかを返す
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ヘルパー

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
