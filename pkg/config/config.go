package config

import (
	"flag"
	"time"
)

type RelayConfig struct {
	Relay   Relay
	Version string
}

type Relay struct {
	Debug bool
	// number of independent upstream connections (routing shards)
	Shards int `fig:"shards" default:"1"`
	// domain suffix of identity addresses, i.e. <uuid>@inbound.<domain>
	Domain string `fig:"domain" default:"identity.clickcall.net"`
	// how often the reclamation sweep advances its buckets
	CleanPeriod time.Duration `fig:"cleanperiod" default:"150s"`
	// how many call identities every pool should hold
	PoolSize   int `fig:"poolsize" default:"10"`
	Upstream   Upstream
	Monitoring Monitoring
	Server     Server
}

type Upstream struct {
	Address string
	Origin  string
}

type Server struct {
	Address string
	Https   bool
	Tls     struct {
		Address   string
		Domain    string
		HttpsKey  string
		HttpsCert string
	}
}

func (s *Server) GetAddr() string {
	if s.Https {
		return s.Tls.Address
	}
	return s.Address
}

type Monitoring struct {
	Port             int
	URLPrefix        string
	MetricEnabled    bool `fig:"metric_enabled"`
	ProfilingEnabled bool `fig:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

// allows custom config path
var relayConfigPath string

func NewRelayConfig() (conf RelayConfig) {
	if err := LoadConfig(&conf, relayConfigPath); err != nil {
		panic(err)
	}
	return
}

func (c *RelayConfig) ParseFlags() {
	flag.StringVar(&c.Relay.Server.Address, "address", c.Relay.Server.Address, "HTTP server address (host:port)")
	flag.StringVar(&c.Relay.Server.Tls.Address, "httpsAddress", c.Relay.Server.Tls.Address, "HTTPS server address (host:port)")
	flag.StringVar(&c.Relay.Server.Tls.HttpsKey, "httpsKey", c.Relay.Server.Tls.HttpsKey, "HTTPS key")
	flag.StringVar(&c.Relay.Server.Tls.HttpsCert, "httpsCert", c.Relay.Server.Tls.HttpsCert, "HTTPS chain")
	flag.StringVar(&c.Relay.Upstream.Address, "upstream", c.Relay.Upstream.Address, "Upstream signaling server address")
	flag.IntVar(&c.Relay.Monitoring.Port, "monitoring.port", c.Relay.Monitoring.Port, "Monitoring server port")
	flag.StringVar(&relayConfigPath, "conf", relayConfigPath, "Set custom configuration file path")
	flag.Parse()
}
