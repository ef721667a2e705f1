package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/gregtusar/marketfeed/pkg/feed"
	"github.com/gregtusar/marketfeed/pkg/kraken"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Kraken  KrakenConfig  `mapstructure:"kraken"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type KrakenConfig struct {
	WebSocketURL      string  `mapstructure:"ws_url"`
	RESTURL           string  `mapstructure:"rest_url"`
	Quote             string  `mapstructure:"quote"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type FeedConfig struct {
	Assets               []string      `mapstructure:"assets"`
	HistorySize          int           `mapstructure:"history_size"`
	BookDepth            int           `mapstructure:"book_depth"`
	CandleInterval       time.Duration `mapstructure:"candle_interval"`
	SubscribeTimeout     time.Duration `mapstructure:"subscribe_timeout"`
	WatchdogTimeout      time.Duration `mapstructure:"watchdog_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ResubscribePerSecond float64       `mapstructure:"resubscribe_per_second"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Book depths the exchange accepts for a book subscription.
var validBookDepths = map[int]bool{10: true, 25: true, 100: true, 500: true, 1000: true}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/marketfeed")
	}

	// Read environment variables, MARKETFEED_FEED_HISTORY_SIZE -> feed.history_size
	v.SetEnvPrefix("MARKETFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Kraken defaults
	v.SetDefault("kraken.ws_url", kraken.DefaultWebSocketURL)
	v.SetDefault("kraken.rest_url", kraken.DefaultRESTURL)
	v.SetDefault("kraken.quote", "USD")
	v.SetDefault("kraken.requests_per_second", 1.0)

	// Feed defaults
	v.SetDefault("feed.assets", []string{"XBT", "ETH"})
	v.SetDefault("feed.history_size", 1000)
	v.SetDefault("feed.book_depth", 25)
	v.SetDefault("feed.candle_interval", "1m")
	v.SetDefault("feed.subscribe_timeout", "5s")
	v.SetDefault("feed.watchdog_timeout", "10s")
	v.SetDefault("feed.reconnect_delay", "5s")
	v.SetDefault("feed.resubscribe_per_second", 1.0)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

func (c *Config) normalize() {
	assets := make([]string, 0, len(c.Feed.Assets))
	for _, a := range c.Feed.Assets {
		// A list set through the environment arrives as one comma separated value.
		for _, part := range strings.Split(a, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				assets = append(assets, part)
			}
		}
	}
	c.Feed.Assets = assets
	c.Kraken.Quote = strings.ToUpper(strings.TrimSpace(c.Kraken.Quote))
}

func (c *Config) Validate() error {
	switch {
	case c.Kraken.WebSocketURL == "":
		return errors.New("config: kraken.ws_url is required")
	case c.Kraken.Quote == "":
		return errors.New("config: kraken.quote is required")
	case c.Kraken.RequestsPerSecond <= 0:
		return errors.New("config: kraken.requests_per_second must be positive")
	case c.Feed.HistorySize <= 0:
		return fmt.Errorf("config: feed.history_size must be positive, got %d", c.Feed.HistorySize)
	case !validBookDepths[c.Feed.BookDepth]:
		return fmt.Errorf("config: feed.book_depth %d is not one of 10, 25, 100, 500, 1000", c.Feed.BookDepth)
	case c.Feed.CandleInterval < time.Minute || c.Feed.CandleInterval%time.Minute != 0:
		return fmt.Errorf("config: feed.candle_interval %s must be a whole number of minutes", c.Feed.CandleInterval)
	case c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535):
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

// FeedClient maps the loaded settings onto the market data client's config.
func (c *Config) FeedClient() feed.Config {
	return feed.Config{
		URL:              c.Kraken.WebSocketURL,
		Quote:            c.Kraken.Quote,
		BookDepth:        c.Feed.BookDepth,
		HistorySize:      c.Feed.HistorySize,
		CandleInterval:   c.Feed.CandleInterval,
		SubscribeTimeout: c.Feed.SubscribeTimeout,
		WatchdogTimeout:  c.Feed.WatchdogTimeout,
		ResubscribeRate:  c.Feed.ResubscribePerSecond,
	}
}
