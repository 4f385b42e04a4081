package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Slides  SlidesConfig  `mapstructure:"slides"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Encoder EncoderConfig `mapstructure:"encoder"`
}

// ServerConfig 状态查询服务配置
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 日志配置
//
// Level 为空时跟随运行模式，File 不为空时同时写入文件。
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SlidesConfig 幻灯片加载配置
type SlidesConfig struct {
	Extensions []string `mapstructure:"extensions"`
}

// TrackerConfig 跟踪管线参数
//
// 默认值是算法设计的一部分，修改前请确认理解其含义。
type TrackerConfig struct {
	FrameSkip        int     `mapstructure:"frame_skip"`
	MatchRatio       float64 `mapstructure:"match_ratio"`
	RANSACThreshold  float64 `mapstructure:"ransac_threshold"`
	TickInterval     int     `mapstructure:"tick_interval"` // 毫秒
	GoodCost         float64 `mapstructure:"good_cost"`
	ReasonableCost   float64 `mapstructure:"reasonable_cost"`
	LargeCost        float64 `mapstructure:"large_cost"`
	LargeDeviation   float64 `mapstructure:"large_deviation"`
	LargeDeformation float64 `mapstructure:"large_deformation"`
}

// EncoderConfig 输出视频编码配置
type EncoderConfig struct {
	Codec string `mapstructure:"codec"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 使用默认配置路径加载配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		// 如果加载失败，返回默认配置
		return getDefaultConfig()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("log.level", "")
	v.SetDefault("log.file", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 72*time.Hour)

	v.SetDefault("slides.extensions", []string{".png", ".jpg", ".jpeg"})

	v.SetDefault("tracker.frame_skip", 7)
	v.SetDefault("tracker.match_ratio", 0.8)
	v.SetDefault("tracker.ransac_threshold", 2.5)
	v.SetDefault("tracker.tick_interval", 40)
	v.SetDefault("tracker.good_cost", 20.0)
	v.SetDefault("tracker.reasonable_cost", 40.0)
	v.SetDefault("tracker.large_cost", 1000.0)
	v.SetDefault("tracker.large_deviation", 10.0)
	v.SetDefault("tracker.large_deformation", 7.0)

	v.SetDefault("encoder.codec", "avc1")
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: ":8080",
			Mode: "debug",
		},
		Log: LogConfig{
			Level: "",
			File:  "",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      72 * time.Hour,
		},
		Slides: SlidesConfig{
			Extensions: []string{".png", ".jpg", ".jpeg"},
		},
		Tracker: TrackerConfig{
			FrameSkip:        7,
			MatchRatio:       0.8,
			RANSACThreshold:  2.5,
			TickInterval:     40,
			GoodCost:         20.0,
			ReasonableCost:   40.0,
			LargeCost:        1000.0,
			LargeDeviation:   10.0,
			LargeDeformation: 7.0,
		},
		Encoder: EncoderConfig{
			Codec: "avc1",
		},
	}
}
