// Package config loads the orchestrator's runtime options (§6.4) from the
// environment, applying the spec's defaults when a variable is unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the recognized options from §6.4.
type Config struct {
	MaxPerUser        int
	IdleLimit         time.Duration
	LifetimeLimit     time.Duration
	CheckInterval     time.Duration
	ReconcileInterval time.Duration
	StoppedRetention  time.Duration
	ProxyTimeout      time.Duration
	BaseDomain        string
	NetworkName       string
	UploadMaxSize     int64

	DataDir         string
	APIAddr         string
	ProxyAddr       string
	CallbackBaseURL string
	LogJSON         bool
	LogLevel        string
}

// Load reads Config from the environment, defaulting unset options.
func Load() (Config, error) {
	cfg := Config{
		MaxPerUser:        3,
		IdleLimit:         15 * time.Minute,
		LifetimeLimit:     2 * time.Hour,
		CheckInterval:     60 * time.Second,
		ReconcileInterval: 6 * time.Hour,
		StoppedRetention:  24 * time.Hour,
		ProxyTimeout:      60 * time.Second,
		BaseDomain:        "",
		NetworkName:       "training_network",
		UploadMaxSize:     50 << 20,
		DataDir:           "./data",
		APIAddr:           ":3000",
		ProxyAddr:         ":8443",
		CallbackBaseURL:   "http://host.docker.internal:3000",
		LogJSON:           false,
		LogLevel:          "info",
	}

	var err error
	if cfg.MaxPerUser, err = envInt("MAX_PER_USER", cfg.MaxPerUser); err != nil {
		return cfg, err
	}
	if cfg.IdleLimit, err = envDuration("IDLE_LIMIT", cfg.IdleLimit); err != nil {
		return cfg, err
	}
	if cfg.LifetimeLimit, err = envDuration("LIFETIME_LIMIT", cfg.LifetimeLimit); err != nil {
		return cfg, err
	}
	if cfg.CheckInterval, err = envDuration("CHECK_INTERVAL", cfg.CheckInterval); err != nil {
		return cfg, err
	}
	if cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return cfg, err
	}
	if cfg.StoppedRetention, err = envDuration("STOPPED_RETENTION", cfg.StoppedRetention); err != nil {
		return cfg, err
	}
	if cfg.ProxyTimeout, err = envDuration("PROXY_TIMEOUT", cfg.ProxyTimeout); err != nil {
		return cfg, err
	}
	if cfg.UploadMaxSize, err = envInt64("UPLOAD_MAX_SIZE", cfg.UploadMaxSize); err != nil {
		return cfg, err
	}
	cfg.BaseDomain = envString("BASE_DOMAIN", cfg.BaseDomain)
	cfg.NetworkName = envString("NETWORK_NAME", cfg.NetworkName)
	cfg.DataDir = envString("ORCHESTRATOR_DATA_DIR", cfg.DataDir)
	cfg.APIAddr = envString("ORCHESTRATOR_API_ADDR", cfg.APIAddr)
	cfg.ProxyAddr = envString("ORCHESTRATOR_PROXY_ADDR", cfg.ProxyAddr)
	cfg.CallbackBaseURL = envString("ORCHESTRATOR_CALLBACK_BASE_URL", cfg.CallbackBaseURL)
	cfg.LogLevel = envString("ORCHESTRATOR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("ORCHESTRATOR_LOG_JSON", cfg.LogJSON)

	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}
