package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Timeout     string
	Retries     int
	LogLevel    string
	Select      string
	ResultsOnly bool
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	Timeout      time.Duration
	Retries      int
	UpstreamRPS  float64

	ListenAddr      string
	LogLevel        string
	LogFormat       string
	ProviderTimeout time.Duration
	RouteCacheTTL   time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	ENSRPCURL    string
	RPCOverrides map[int64]string
	ScanChains   []string

	LiFiAPIKey     string
	LiFiIntegrator string
	DefiLlamaURL   string

	YieldRouterAddress string
	AaveVault          string
	MorphoVault        string
	RestakingRouter    string

	// MEVRouter enables slippage-bounded vault deposits when set.
	MEVRouter      string
	MEVSlippageBps int64

	StorePath     string
	StoreLockPath string
	ReceiptParent string
}

type fileConfig struct {
	Output      string   `yaml:"output"`
	Timeout     string   `yaml:"timeout"`
	Retries     *int     `yaml:"retries"`
	UpstreamRPS *float64 `yaml:"upstream_rps"`
	Server      struct {
		Listen          string `yaml:"listen"`
		ProviderTimeout string `yaml:"provider_timeout"`
		RouteCacheTTL   string `yaml:"route_cache_ttl"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	RateLimit struct {
		Max           *int   `yaml:"max"`
		Window        string `yaml:"window"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       *int   `yaml:"redis_db"`
	} `yaml:"ratelimit"`
	Chains struct {
		ENSRPCURL string           `yaml:"ens_rpc_url"`
		RPC       map[int64]string `yaml:"rpc"`
		Scan      []string         `yaml:"scan"`
	} `yaml:"chains"`
	Providers struct {
		LiFi struct {
			APIKey     string `yaml:"api_key"`
			APIKeyEnv  string `yaml:"api_key_env"`
			Integrator string `yaml:"integrator"`
		} `yaml:"lifi"`
		DefiLlama struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"defillama"`
	} `yaml:"providers"`
	Vaults struct {
		YieldRouter string `yaml:"yield_router"`
		Aave        string `yaml:"aave"`
		Morpho      string `yaml:"morpho"`
		Restaking   string `yaml:"restaking_router"`
		MEVRouter   string `yaml:"mev_router"`
		MEVBps      *int64 `yaml:"mev_slippage_bps"`
	} `yaml:"vaults"`
	Store struct {
		Path          string `yaml:"path"`
		LockPath      string `yaml:"lock_path"`
		ReceiptParent string `yaml:"receipt_parent"`
	} `yaml:"store"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.ProviderTimeout <= 0 {
		settings.ProviderTimeout = 8 * time.Second
	}
	if settings.RouteCacheTTL <= 0 {
		settings.RouteCacheTTL = 30 * time.Second
	}
	if settings.RateLimitMax <= 0 {
		settings.RateLimitMax = 20
	}
	if settings.RateLimitWindow <= 0 {
		settings.RateLimitWindow = time.Minute
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	storePath, lockPath, err := defaultStorePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:         "json",
		Timeout:            10 * time.Second,
		Retries:            2,
		UpstreamRPS:        10,
		ListenAddr:         ":8080",
		LogLevel:           "info",
		LogFormat:          "json",
		ProviderTimeout:    8 * time.Second,
		RouteCacheTTL:      30 * time.Second,
		RateLimitMax:       20,
		RateLimitWindow:    time.Minute,
		ENSRPCURL:          "https://eth.llamarpc.com",
		RPCOverrides:       map[int64]string{},
		ScanChains:         []string{"ethereum", "base", "arbitrum", "optimism", "polygon"},
		LiFiIntegrator:     "payagent",
		YieldRouterAddress: "0x0B880127FFb09727468159f3883c76Fd1B1c59A2",
		AaveVault:          "0x4e65fE4DbA92790696d040ac24Aa414708F5c0AB",
		RestakingRouter:    "0x31549dB00B180d528f77083b130C0A045D0CF117",
		MEVSlippageBps:     50,
		StorePath:          storePath,
		StoreLockPath:      lockPath,
		ReceiptParent:      "payments.payagent.eth",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "payagent", "config.yaml"), nil
}

func defaultStorePaths() (string, string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, "payagent")
	return filepath.Join(dir, "payagent.db"), filepath.Join(dir, "payagent.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := parseDurationInto(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.UpstreamRPS != nil {
		settings.UpstreamRPS = *cfg.UpstreamRPS
	}
	if cfg.Server.Listen != "" {
		settings.ListenAddr = cfg.Server.Listen
	}
	if err := parseDurationInto(cfg.Server.ProviderTimeout, "server.provider_timeout", &settings.ProviderTimeout); err != nil {
		return err
	}
	if err := parseDurationInto(cfg.Server.RouteCacheTTL, "server.route_cache_ttl", &settings.RouteCacheTTL); err != nil {
		return err
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.RateLimit.Max != nil {
		settings.RateLimitMax = *cfg.RateLimit.Max
	}
	if err := parseDurationInto(cfg.RateLimit.Window, "ratelimit.window", &settings.RateLimitWindow); err != nil {
		return err
	}
	if cfg.RateLimit.RedisAddr != "" {
		settings.RedisAddr = cfg.RateLimit.RedisAddr
	}
	if cfg.RateLimit.RedisPassword != "" {
		settings.RedisPassword = cfg.RateLimit.RedisPassword
	}
	if cfg.RateLimit.RedisDB != nil {
		settings.RedisDB = *cfg.RateLimit.RedisDB
	}
	if cfg.Chains.ENSRPCURL != "" {
		settings.ENSRPCURL = cfg.Chains.ENSRPCURL
	}
	for chainID, rpc := range cfg.Chains.RPC {
		if strings.TrimSpace(rpc) != "" {
			settings.RPCOverrides[chainID] = strings.TrimSpace(rpc)
		}
	}
	if len(cfg.Chains.Scan) > 0 {
		settings.ScanChains = cfg.Chains.Scan
	}
	if cfg.Providers.LiFi.APIKey != "" {
		settings.LiFiAPIKey = cfg.Providers.LiFi.APIKey
	}
	if cfg.Providers.LiFi.APIKeyEnv != "" {
		settings.LiFiAPIKey = os.Getenv(cfg.Providers.LiFi.APIKeyEnv)
	}
	if cfg.Providers.LiFi.Integrator != "" {
		settings.LiFiIntegrator = cfg.Providers.LiFi.Integrator
	}
	if cfg.Providers.DefiLlama.BaseURL != "" {
		settings.DefiLlamaURL = cfg.Providers.DefiLlama.BaseURL
	}
	if cfg.Vaults.YieldRouter != "" {
		settings.YieldRouterAddress = cfg.Vaults.YieldRouter
	}
	if cfg.Vaults.Aave != "" {
		settings.AaveVault = cfg.Vaults.Aave
	}
	if cfg.Vaults.Morpho != "" {
		settings.MorphoVault = cfg.Vaults.Morpho
	}
	if cfg.Vaults.Restaking != "" {
		settings.RestakingRouter = cfg.Vaults.Restaking
	}
	if cfg.Vaults.MEVRouter != "" {
		settings.MEVRouter = cfg.Vaults.MEVRouter
	}
	if cfg.Vaults.MEVBps != nil {
		settings.MEVSlippageBps = *cfg.Vaults.MEVBps
	}
	if cfg.Store.Path != "" {
		settings.StorePath = cfg.Store.Path
	}
	if cfg.Store.LockPath != "" {
		settings.StoreLockPath = cfg.Store.LockPath
	}
	if cfg.Store.ReceiptParent != "" {
		settings.ReceiptParent = cfg.Store.ReceiptParent
	}

	return nil
}

func parseDurationInto(raw, field string, dst *time.Duration) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("PAYAGENT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("PAYAGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("PAYAGENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("PAYAGENT_LISTEN"); v != "" {
		settings.ListenAddr = v
	}
	if v := os.Getenv("PAYAGENT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("PAYAGENT_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("PAYAGENT_PROVIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ProviderTimeout = d
		}
	}
	if v := os.Getenv("PAYAGENT_ROUTE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.RouteCacheTTL = d
		}
	}
	if v := os.Getenv("PAYAGENT_RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RateLimitMax = n
		}
	}
	if v := os.Getenv("PAYAGENT_REDIS_ADDR"); v != "" {
		settings.RedisAddr = v
	}
	if v := os.Getenv("PAYAGENT_REDIS_PASSWORD"); v != "" {
		settings.RedisPassword = v
	}
	if v := os.Getenv("PAYAGENT_ENS_RPC_URL"); v != "" {
		settings.ENSRPCURL = v
	} else if v := os.Getenv("ETH_RPC_URL"); v != "" {
		settings.ENSRPCURL = v
	}
	if v := os.Getenv("PAYAGENT_LIFI_API_KEY"); v != "" {
		settings.LiFiAPIKey = v
	} else if v := os.Getenv("LIFI_API_KEY"); v != "" {
		settings.LiFiAPIKey = v
	}
	if v := os.Getenv("PAYAGENT_DEFILLAMA_URL"); v != "" {
		settings.DefiLlamaURL = v
	}
	if v := os.Getenv("PAYAGENT_YIELD_ROUTER"); v != "" {
		settings.YieldRouterAddress = v
	}
	if v := os.Getenv("PAYAGENT_AAVE_VAULT"); v != "" {
		settings.AaveVault = v
	}
	if v := os.Getenv("PAYAGENT_MORPHO_VAULT"); v != "" {
		settings.MorphoVault = v
	}
	if v := os.Getenv("PAYAGENT_RESTAKING_ROUTER"); v != "" {
		settings.RestakingRouter = v
	}
	if v := os.Getenv("PAYAGENT_MEV_ROUTER"); v != "" {
		settings.MEVRouter = v
	}
	if v := os.Getenv("PAYAGENT_MEV_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.MEVSlippageBps = n
		}
	}
	if v := os.Getenv("PAYAGENT_STORE_PATH"); v != "" {
		settings.StorePath = v
	}
	if v := os.Getenv("PAYAGENT_STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	settings.ResultsOnly = flags.ResultsOnly
	settings.SelectFields = splitFields(flags.Select)

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.LogFormat != "json" && settings.LogFormat != "text" {
		return fmt.Errorf("log format must be json or text")
	}

	return nil
}

// RPCURL returns the configured override for a chain, if any.
func (s Settings) RPCURL(chainID int64) string {
	if s.RPCOverrides == nil {
		return ""
	}
	return s.RPCOverrides[chainID]
}

func splitFields(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
