package server

import (
	"net/http"
	"strconv"
	"time"

	"medfinder-chat/internal/chat"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer     *http.Server
	relay          chat.Config
	handlerTimeout time.Duration
	afterShutdown  []func()
}

func defaultConfig() config {
	return config{
		httpServer: &http.Server{
			Addr:        "0.0.0.0:9000",
			ReadTimeout: 5 * time.Second,
		},
		relay:          chat.DefaultConfig,
		handlerTimeout: 10 * time.Second,
	}
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"9000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"10s"`
	MaxTextLength  int           `env:"MAX_TEXT_LENGTH" envDefault:"4096"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters
// for http.Server and chat connections
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		c.httpServer.ReadTimeout = cfg.ReadTimeout
		c.handlerTimeout = cfg.HandlerTimeout
		c.relay = chat.Config{
			IdleTimeout:    cfg.IdleTimeout,
			PersistTimeout: cfg.PersistTimeout,
			MaxTextLength:  cfg.MaxTextLength,
		}
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// HandlerTimeout bounds REST handlers; websocket connections are not affected.
// Zero disables it.
func HandlerTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.handlerTimeout = d
	})
}

// RelayConfig replaces per connection settings of chat relay
func RelayConfig(cfg chat.Config) Option {
	return optionFunc(func(c *config) {
		c.relay = cfg
	})
}

// RegisterAfterShutdown registers a function to call after http.Server and chat relay shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
