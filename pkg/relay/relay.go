// Package relay implements the call-signaling relay: per-browser client
// sessions, the shard routers deciding local against upstream delivery,
// call rooms, the pooled anonymous-caller identities and the reclamation
// of abandoned client state.
package relay

import (
	"context"
	"net/url"

	"github.com/clickcall/relay/pkg/config"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/monitoring"
	"github.com/clickcall/relay/pkg/network/httpx"
	"github.com/clickcall/relay/pkg/service"
	"github.com/clickcall/relay/pkg/signaling"
)

// upstream keeps a shard's backend connection inside the service group
// so shutdown closes it.
type upstream struct {
	service.RunnableService
	c *signaling.Client
}

func (u upstream) Run() {}
func (u upstream) Shutdown(context.Context) error {
	u.c.Close()
	return nil
}
func (u upstream) String() string { return "upstream" }

// New assembles the full relay service group: one router and upstream
// connection per shard, the controller, the browser websocket endpoint
// and the monitoring sidecar.
func New(conf config.RelayConfig, log *logger.Logger) (services service.Group, err error) {
	metrics := NewMetrics()

	address, err := url.Parse(conf.Relay.Upstream.Address)
	if err != nil {
		return services, err
	}

	shards := conf.Relay.Shards
	if shards < 1 {
		shards = 1
	}
	routers := make([]*Router, shards)
	for i := range routers {
		router := NewRouter(i, metrics, log)
		up, err := signaling.Dial(*address, conf.Relay.Domain, router, log)
		if err != nil {
			return services, err
		}
		pool := NewPool(up, conf.Relay.PoolSize, metrics, log)
		router.Bind(up, pool)
		pool.Start()
		routers[i] = router
		services.Add(upstream{c: up})
	}

	controller := NewController(routers, conf.Relay.CleanPeriod, metrics, log)
	metrics.WatchController(controller)

	handler := NewHandler(controller, log)
	server, err := httpx.NewServer(
		conf.Relay.Server.GetAddr(),
		func(serv *httpx.Server) httpx.Handler {
			return serv.Mux().HandleFunc("/signaling", handler.ServeHTTP)
		},
		httpx.WithServerConfig(conf.Relay.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		return services, err
	}

	services.Add(controller, server)
	if conf.Relay.Monitoring.IsEnabled() {
		services.Add(monitoring.New(conf.Relay.Monitoring, "relay", log))
	}
	return services, nil
}
