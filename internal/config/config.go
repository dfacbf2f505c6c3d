// Package config loads drexpay settings from .env, drexpay.yaml and
// DREXPAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/lachiem1/drexpay/internal/billing"
	"github.com/lachiem1/drexpay/internal/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "DREXPAY"

type Config struct {
	DBPath   string          `mapstructure:"db_path"`
	Log      LogConfig       `mapstructure:"log"`
	Server   ServerConfig    `mapstructure:"server"`
	API      APIConfig       `mapstructure:"api"`
	Periods  PeriodsConfig   `mapstructure:"periods"`
	Refresh  RefreshConfig   `mapstructure:"refresh"`
	Services []ServiceConfig `mapstructure:"services" validate:"required,min=1,unique=ID,dive"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Path  string `mapstructure:"path"`
}

type ServerConfig struct {
	Addr     string        `mapstructure:"addr" validate:"required"`
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

type APIConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type PeriodsConfig struct {
	Anchor string `mapstructure:"anchor" validate:"omitempty,datetime=2006-01-02"`
	Count  int    `mapstructure:"count" validate:"gte=1,lte=120"`
}

type RefreshConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
}

type ServiceConfig struct {
	ID         string `mapstructure:"id" validate:"required"`
	Name       string `mapstructure:"name" validate:"required"`
	TotalCost  string `mapstructure:"total_cost" validate:"omitempty,money"`
	FixedPrice string `mapstructure:"fixed_price" validate:"omitempty,money"`
	MaxSlots   int    `mapstructure:"max_slots" validate:"gte=0"`
	BillingDay int    `mapstructure:"billing_day" validate:"gte=1,lte=31"`
}

// DefaultServices are the plans the household started with.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{ID: "spotify", Name: "Spotify", TotalCost: "279.00", FixedPrice: "46.50", MaxSlots: 6, BillingDay: 9},
		{ID: "netflix", Name: "Netflix", TotalCost: "549.00", FixedPrice: "125.00", MaxSlots: 5, BillingDay: 9},
	}
}

// Load reads configuration. dir, when set, is searched first for
// drexpay.yaml. A missing file is not an error.
func Load(dir string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("drexpay")
	v.SetConfigType("yaml")
	for _, p := range searchPaths(dir) {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.token_ttl", "12h")
	v.SetDefault("api.base_url", "http://127.0.0.1:8787")
	v.SetDefault("periods.anchor", billing.DateKey(billing.DefaultPeriodAnchor))
	v.SetDefault("periods.count", billing.DefaultPeriodCount)
	v.SetDefault("refresh.poll_interval", "30s")
}

func searchPaths(dir string) []string {
	var paths []string
	if dir = strings.TrimSpace(dir); dir != "" {
		paths = append(paths, dir)
	}
	if env := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG_DIR")); env != "" {
		paths = append(paths, env)
	}
	if userDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(userDir, "drexpay"))
	}
	return append(paths, ".")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("money", isMoney)
	return v
}

// isMoney accepts a non-negative decimal amount.
func isMoney(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return err == nil && !d.IsNegative()
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// PeriodAnchor is the first selectable billing month.
func (p PeriodsConfig) PeriodAnchor() (time.Time, error) {
	if strings.TrimSpace(p.Anchor) == "" {
		return billing.DefaultPeriodAnchor, nil
	}
	anchor, err := billing.ParseDateKey(p.Anchor, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse periods.anchor: %w", err)
	}
	return anchor, nil
}

// LedgerServices converts the configured plans into ledger services without
// members; membership comes from the store.
func (c Config) LedgerServices() ([]ledger.Service, error) {
	out := make([]ledger.Service, 0, len(c.Services))
	for _, s := range c.Services {
		svc := ledger.Service{
			ID:         strings.TrimSpace(s.ID),
			Name:       strings.TrimSpace(s.Name),
			TotalCost:  decimal.Zero,
			MaxSlots:   s.MaxSlots,
			BillingDay: s.BillingDay,
		}
		if strings.TrimSpace(s.TotalCost) != "" {
			total, err := decimal.NewFromString(s.TotalCost)
			if err != nil {
				return nil, fmt.Errorf("parse total_cost for service %q: %w", s.ID, err)
			}
			if total.IsNegative() {
				return nil, fmt.Errorf("total_cost for service %q is negative: %s", s.ID, total)
			}
			svc.TotalCost = total
		}
		if strings.TrimSpace(s.FixedPrice) != "" {
			price, err := decimal.NewFromString(s.FixedPrice)
			if err != nil {
				return nil, fmt.Errorf("parse fixed_price for service %q: %w", s.ID, err)
			}
			if price.IsNegative() {
				return nil, fmt.Errorf("fixed_price for service %q is negative: %s", s.ID, price)
			}
			svc.FixedPrice = decimal.NewNullDecimal(price)
		}
		out = append(out, svc)
	}
	return out, nil
}
