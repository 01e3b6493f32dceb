package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnv(cfg *Config, logger *slog.Logger) {
	envString("LEOTRACK_DATA_DIR", &cfg.DataDir)
	envString("LEOTRACK_LOG_LEVEL", &cfg.LogLevel)

	envString("LEOTRACK_DISH_ADDR", &cfg.Dish.Addr)
	envSeconds(logger, "LEOTRACK_DISH_TIMEOUT", &cfg.Dish.Timeout, false)

	obs := &cfg.Observer
	obs.set.lat = envFloat(logger, "LEOTRACK_LATITUDE", &obs.Latitude) || obs.set.lat
	obs.set.lon = envFloat(logger, "LEOTRACK_LONGITUDE", &obs.Longitude) || obs.set.lon
	obs.set.alt = envFloat(logger, "LEOTRACK_ALTITUDE", &obs.Altitude) || obs.set.alt

	envString("LEOTRACK_TLE_DIR", &cfg.TLE.Dir)
	envString("LEOTRACK_TLE_SOURCE_URL", &cfg.TLE.SourceURL)
	if v := os.Getenv("LEOTRACK_TLE_EXTRA_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.TLE.ExtraURLs = urls
	}
	envBool(logger, "LEOTRACK_ENABLE_TLE_FETCH", &cfg.TLE.EnableFetch)
	envSeconds(logger, "LEOTRACK_TLE_REFRESH", &cfg.TLE.RefreshEvery, false)

	envSeconds(logger, "LEOTRACK_DURATION", &cfg.Engine.Duration, true)
	envPositiveInt(logger, "LEOTRACK_TASK_WORKERS", &cfg.Engine.TaskWorkers)
	envPositiveInt(logger, "LEOTRACK_TASK_QUEUE", &cfg.Engine.TaskQueue)
	envPositiveInt(logger, "LEOTRACK_MATCH_WORKERS", &cfg.Engine.MatchWorkers)
	envBool(logger, "LEOTRACK_SNAPSHOTS", &cfg.Engine.Snapshots)

	envString("LEOTRACK_HTTP_ADDR", &cfg.HTTP.Addr)
	envBool(logger, "LEOTRACK_AUTH_ENABLED", &cfg.HTTP.Auth.Enabled)
	envString("LEOTRACK_AUTH_TOKEN", &cfg.HTTP.Auth.Token)
	envPositiveInt(logger, "LEOTRACK_STREAM_MAX_CONCURRENT", &cfg.HTTP.Stream.MaxConcurrentPerIP)
	envSeconds(logger, "LEOTRACK_STREAM_KEEPALIVE_INTERVAL", &cfg.HTTP.Stream.KeepaliveInterval, false)
	envBool(logger, "LEOTRACK_TRUST_PROXY", &cfg.HTTP.Stream.TrustProxy)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envBool(logger *slog.Logger, key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid "+key+" value, using default", "value", v, "default", *dst)
		return
	}
	*dst = b
}

// envFloat reports whether key held a valid value.
func envFloat(logger *slog.Logger, key string, dst *float64) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("invalid "+key+" value, using default", "value", v, "default", *dst)
		return false
	}
	*dst = f
	return true
}

func envPositiveInt(logger *slog.Logger, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid "+key+" value, using default", "value", v, "default", *dst)
		return
	}
	*dst = n
}

// envSeconds reads a whole number of seconds. Zero is accepted only when
// allowZero is set.
func envSeconds(logger *slog.Logger, key string, dst *time.Duration, allowZero bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		logger.Warn("invalid "+key+" value, using default", "value", v, "default", dst.Seconds())
		return
	}
	*dst = time.Duration(n) * time.Second
}
