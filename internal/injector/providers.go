// Package injector assembles a server from its configuration with google/wire.
package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/scenesync/internal/config"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/relay"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/server"
	"github.com/zeusync/scenesync/internal/session"
)

// App is everything main needs to run and stop a server.
type App struct {
	Config      config.Config
	Logger      *log.Logger
	Environment *session.Environment
	Server      *server.Server
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
	ProvideServerConfig,
	ProvideTokenIssuer,
	ProvideDispatchConfig,
	transport.NewDispatcher,
	ProvideRelayConfig,
	relay.NewPositions,
	relay.NewThrottle,
	bus.New,
	ProvideSessionConfig,
	session.NewEnvironment,
	server.NewServer,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg config.Config) *log.Logger {
	return log.NewWithConfig(log.Config{
		Level:    log.ParseLevel(cfg.Log.Level),
		Encoding: cfg.Log.Encoding,
	})
}

func ProvideServerConfig(cfg config.Config) config.ServerConfig {
	return cfg.Server
}

func ProvideTokenIssuer(cfg config.Config) (*transport.TokenIssuer, error) {
	return transport.NewTokenIssuer([]byte(cfg.Token.Secret), cfg.Token.TTL)
}

func ProvideDispatchConfig(cfg config.Config) transport.Config {
	return transport.Config{
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryBackoff:  cfg.Dispatch.RetryBackoff,
		RenewalWait:   cfg.Token.RenewalWait,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		CompressAbove: cfg.Dispatch.CompressAbove,
		QueueLimit:    cfg.Dispatch.QueueLimit,
	}
}

func ProvideRelayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		NearThreshold: cfg.Relay.NearThreshold,
		FarThreshold:  cfg.Relay.FarThreshold,
		MinDelay:      cfg.Relay.MinDelay,
		MaxDelay:      cfg.Relay.MaxDelay,
		StartAt:       cfg.Relay.StartAt,
	}
}

func ProvideSessionConfig(cfg config.Config) session.Config {
	return session.Config{
		TickInterval:  cfg.Tick.Interval,
		FanOut:        cfg.Dispatch.FanOut,
		InboxCapacity: cfg.Tick.InboxCapacity,
		CommandQueue:  cfg.Tick.CommandQueue,
	}
}
