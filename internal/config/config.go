package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grid-reconciler/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件 (JSON, 或扩展名为 .yaml/.yml 的 YAML),
// 填充默认值, 应用环境变量覆盖并校验.
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv 加载 .env 文件到进程环境. 文件不存在时返回 false.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *models.Config) {
	setDefault(&cfg.TradingMode, models.ModePaperTrading)
	setDefault(&cfg.ExchangeName, "binance")
	setDefault(&cfg.DBPath, "data/ledger")
	setDefault(&cfg.LiveWSURL, "wss://stream.binance.com:9443")
	setDefault(&cfg.TestnetWSURL, "wss://stream.testnet.binance.vision")
	setDefault(&cfg.StatusEverySec, 30)
	if cfg.InitialBalance == 0 && cfg.TradingMode != models.ModeLive {
		cfg.InitialBalance = 1000
	}

	g := &cfg.Grid
	setDefault(&g.Spacing, models.SpacingArithmetic)
	setDefault(&g.TickSize, "0.01")
	setDefault(&g.StepSize, "0.00001")
	setDefault(&g.PlaceWorkers, 4)

	w := &cfg.Watchdog
	setDefault(&w.IntervalMs, 5000)
	setDefault(&w.PassTimeoutMs, 30000)
	setDefault(&w.GraceWindowMs, 10000)
	setDefault(&w.PendingStaleMs, 30000)
	setDefault(&w.ZombieCooldownMs, 60000)
	setDefault(&w.EscalateAfter, 5)
	setDefault(&w.MaxPages, 100)
	setDefault(&w.CleanStartAttempts, 5)
	setDefault(&w.CleanStartDelayMs, 1000)
	setDefault(&w.PlacementTimeoutMs, 15000)
	setDefault(&w.DispatchBufferSize, 1024)
	setDefault(&w.DispatchWorkerCount, 4)

	r := &cfg.Retry
	setDefault(&r.MaxAttempts, 5)
	setDefault(&r.BaseDelayMs, 200)
	setDefault(&r.MaxDelayMs, 5000)
	setDefault(&r.CallTimeoutMs, 10000)
	setDefault(&r.RequestsPerSec, 10)
	setDefault(&r.PageSize, 100)

	setDefault(&cfg.LogConfig.Level, "info")
	setDefault(&cfg.LogConfig.Output, "console")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// ApplyEnv overrides the enumerated settings and reads credentials from the
// environment. Env values win over the file.
func ApplyEnv(cfg *models.Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("TRADING_MODE"); ok && v != "" {
		cfg.TradingMode = models.TradingMode(strings.ToLower(v))
	}
	if v, ok := lookup("EXCHANGE_NAME"); ok && v != "" {
		cfg.ExchangeName = strings.ToLower(v)
	}
	if v, ok := lookup("BASE_CURRENCY"); ok && v != "" {
		cfg.BaseCurrency = strings.ToUpper(v)
	}
	if v, ok := lookup("QUOTE_CURRENCY"); ok && v != "" {
		cfg.QuoteCurrency = strings.ToUpper(v)
	}
	if v, ok := lookup("INITIAL_BALANCE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("INITIAL_BALANCE %q: %w", v, err)
		}
		cfg.InitialBalance = f
	}
	if v, ok := lookup("BINANCE_API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := lookup("BINANCE_SECRET_KEY"); ok {
		cfg.SecretKey = v
	}
	if v, ok := lookup("REPORT_TOKEN"); ok {
		cfg.ReportToken = v
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *models.Config) error {
	var errs []error
	switch cfg.TradingMode {
	case models.ModePaperTrading, models.ModeLive, models.ModeBacktest:
	default:
		errs = append(errs, fmt.Errorf("unknown trading mode %q", cfg.TradingMode))
	}
	if cfg.ExchangeName != "binance" {
		errs = append(errs, fmt.Errorf("unsupported exchange %q", cfg.ExchangeName))
	}
	if cfg.BaseCurrency == "" || cfg.QuoteCurrency == "" {
		errs = append(errs, errors.New("base and quote currency are required"))
	}

	g := cfg.Grid
	if g.LowerPrice <= 0 || g.UpperPrice <= g.LowerPrice {
		errs = append(errs, fmt.Errorf("grid range [%v, %v] is invalid", g.LowerPrice, g.UpperPrice))
	}
	if g.Rungs < 2 {
		errs = append(errs, fmt.Errorf("grid needs at least 2 rungs, got %d", g.Rungs))
	}
	if g.Investment <= 0 {
		errs = append(errs, errors.New("investment must be positive"))
	}
	if g.FeeRate < 0 || g.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("fee rate %v outside [0,1)", g.FeeRate))
	}
	switch g.Spacing {
	case models.SpacingArithmetic, models.SpacingGeometric:
	default:
		errs = append(errs, fmt.Errorf("unknown spacing %q", g.Spacing))
	}

	if cfg.TradingMode == models.ModeLive && (cfg.APIKey == "" || cfg.SecretKey == "") {
		errs = append(errs, errors.New("live trading needs BINANCE_API_KEY and BINANCE_SECRET_KEY"))
	}
	if cfg.TradingMode != models.ModeLive && cfg.InitialBalance <= 0 {
		errs = append(errs, errors.New("initial balance must be positive for simulated modes"))
	}
	return errors.Join(errs...)
}
