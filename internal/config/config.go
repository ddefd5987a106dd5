// Package config 載入伺服器配置：YAML 檔案、環境變數、命令列旗標依序覆蓋。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/koopa0/system-design/14-blob-arena/internal/codec"
	"github.com/koopa0/system-design/14-blob-arena/internal/limiter"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
//
// 競技場的調校常數（尺寸、速度、上限）固定在 arena 套件，不在這裡。
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Arena struct {
		Rooms    int `yaml:"rooms"`
		EntryFee int `yaml:"entry_fee"`
	} `yaml:"arena"`

	Snapshot struct {
		Codec string `yaml:"codec"` // json 或 msgpack
	} `yaml:"snapshot"`

	WebSocket struct {
		RateLimit struct {
			Backend  string `yaml:"backend"` // local 或 redis
			Capacity int64  `yaml:"capacity"`
			Refill   int64  `yaml:"refill_per_second"`

			// TrustedProxies 反向代理的 IP 或 CIDR；只有來自這些位址的 X-Forwarded-For 會被採用
			TrustedProxies []string `yaml:"trusted_proxies"`
		} `yaml:"rate_limit"`
	} `yaml:"websocket"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Leaderboard struct {
		Interval time.Duration `yaml:"interval"`
		Size     int           `yaml:"size"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"leaderboard"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 預設配置：四個房間、入場費 5、JSON 快照
//
// Redis 與 NATS 位址留空表示不啟用，排行榜改用記憶體、事件不發佈。
func Default() *Config {
	var c Config

	c.Server.Port = 3000
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Arena.Rooms = 4
	c.Arena.EntryFee = 5

	c.Snapshot.Codec = "json"

	c.WebSocket.RateLimit.Backend = "local"
	c.WebSocket.RateLimit.Capacity = 10
	c.WebSocket.RateLimit.Refill = 1

	c.Redis.PoolSize = 10
	c.Redis.DialTimeout = 2 * time.Second
	c.Redis.ReadTimeout = 500 * time.Millisecond
	c.Redis.WriteTimeout = 500 * time.Millisecond

	c.NATS.SubjectPrefix = "arena"

	c.Leaderboard.Interval = time.Second
	c.Leaderboard.Size = 10
	c.Leaderboard.TTL = time.Minute

	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.Output = "stdout"

	return &c
}

// Load 讀取 YAML 檔案並覆蓋預設值；path 為空時只返回預設值
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	// #nosec G304 - path 來自命令列旗標
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// ApplyEnv 環境變數覆蓋（部署環境常用）
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := getenv("ARENA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ARENA_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate 檢查配置是否可用
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Arena.Rooms <= 0 {
		errs = append(errs, fmt.Errorf("arena.rooms must be positive: %d", c.Arena.Rooms))
	}
	if c.Arena.EntryFee < 0 {
		errs = append(errs, fmt.Errorf("arena.entry_fee must not be negative: %d", c.Arena.EntryFee))
	}
	if _, err := codec.ByName(c.Snapshot.Codec); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.codec: %w", err))
	}
	switch c.WebSocket.RateLimit.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("websocket.rate_limit.backend must be local or redis: %q", c.WebSocket.RateLimit.Backend))
	}
	if c.WebSocket.RateLimit.Capacity <= 0 || c.WebSocket.RateLimit.Refill <= 0 {
		errs = append(errs, errors.New("websocket.rate_limit capacity and refill_per_second must be positive"))
	}
	if _, err := limiter.ParseTrustedProxies(c.WebSocket.RateLimit.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("websocket.rate_limit.trusted_proxies: %w", err))
	}
	if c.Leaderboard.Interval <= 0 {
		errs = append(errs, fmt.Errorf("leaderboard.interval must be positive: %s", c.Leaderboard.Interval))
	}
	if c.Leaderboard.Size <= 0 {
		errs = append(errs, fmt.Errorf("leaderboard.size must be positive: %d", c.Leaderboard.Size))
	}

	return errors.Join(errs...)
}
