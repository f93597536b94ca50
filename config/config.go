package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"preorderd/crypto"

	"github.com/BurntSushi/toml"
)

// GenesisAllocation seeds an account balance at first boot. Addresses are
// bech32 strings and balances decimal integers.
type GenesisAllocation struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

type Config struct {
	RPCAddress         string              `toml:"RPCAddress"`
	DataDir            string              `toml:"DataDir"`
	JournalPath        string              `toml:"JournalPath"`
	LogFile            string              `toml:"LogFile"`
	LogMaxSizeMB       int                 `toml:"LogMaxSizeMB"`
	Environment        string              `toml:"Environment"`
	SellerKeystorePath string              `toml:"SellerKeystorePath"`
	ProductName        string              `toml:"ProductName"`
	UnitPrice          string              `toml:"UnitPrice"`
	DeadlineUnix       int64               `toml:"DeadlineUnix"`
	Genesis            []GenesisAllocation `toml:"Genesis"`
	Telemetry          Telemetry           `toml:"Telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// replaced with a generated default, including a fresh seller keystore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./preorder-data"
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "events.db")
	}
	if cfg.Genesis == nil {
		cfg.Genesis = []GenesisAllocation{}
	}

	return cfg, nil
}

// UnitPriceBig parses the configured unit price. Zero or malformed values are
// rejected so the campaign cannot be initialised with invalid terms.
func (c *Config) UnitPriceBig() (*big.Int, error) {
	raw := strings.TrimSpace(c.UnitPrice)
	if raw == "" {
		return nil, fmt.Errorf("config: UnitPrice required")
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("config: invalid UnitPrice %q", c.UnitPrice)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("config: UnitPrice must be positive")
	}
	return price, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.SellerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.SellerKeystorePath != keystorePath {
		cfg.SellerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:   ":8080",
		DataDir:      "./preorder-data",
		JournalPath:  "./preorder-data/events.db",
		Environment:  "local",
		ProductName:  "",
		UnitPrice:    "0",
		DeadlineUnix: 0,
		Genesis:      []GenesisAllocation{},
	}
	cfg.SellerKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "seller.keystore")
}
