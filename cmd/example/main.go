// Command example wires up a ZoneAwareLoadBalancer over a static server
// list and exposes /healthz, /metrics, and /choose, demonstrating the
// end-to-end path discovery -> updater -> filter -> balancer ->
// chooseServer.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sparkfund/balancer/pkg/balancer"
	"github.com/sparkfund/balancer/pkg/config"
	"github.com/sparkfund/balancer/pkg/discovery"
	"github.com/sparkfund/balancer/pkg/filter"
	"github.com/sparkfund/balancer/pkg/health"
	"github.com/sparkfund/balancer/pkg/logger"
	"github.com/sparkfund/balancer/pkg/rule"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
	"github.com/sparkfund/balancer/pkg/updater"
)

func main() {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "console", OutputPath: "stdout"})
	if err != nil {
		panic(err)
	}

	if err := config.Load("./config"); err != nil {
		log.Warnw("falling back to default configuration", "error", err)
	}
	cfg := config.Get()
	if cfg.ListOfServers == "" {
		cfg.ListOfServers = "127.0.0.1:9001,127.0.0.1:9002,127.0.0.1:9003"
	}

	source, err := discovery.NewStaticServerListSource(cfg.ListOfServers)
	if err != nil {
		log.Fatalw("invalid server list", "error", err)
	}

	st := stats.NewLoadBalancerStats(5 * time.Minute)

	filters := []balancer.Filter{
		filter.NewZoneAffinityServerListFilter("us-east-1", filter.DefaultZoneAffinityConfig(), st),
	}

	lb := balancer.NewZoneAwareLoadBalancer("example", func() rule.Rule {
		return rule.NewZoneAvoidanceRule(st)
	}, st, filters, log)

	refresh := updater.New(source, time.Duration(cfg.ServerListRefreshIntervalMs)*time.Millisecond, func(servers []*server.Server) {
		lb.SetServers(servers)
	}, log).WithName("example")
	refresh.Start(context.Background())
	defer refresh.Stop()

	checker := health.NewBalancerChecker("example", lb)
	healthHandler := health.NewHandler(2 * time.Second)
	healthHandler.AddChecker("balancer", checker)

	router := gin.Default()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", gin.WrapH(healthHandler))

	router.GET("/choose", func(c *gin.Context) {
		ctx := logger.WithRequestID(c.Request.Context(), uuid.NewString())
		s, err := lb.ChooseServer(ctx, c.Query("key"))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"server": s.ID(), "zone": s.Zone})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Infow("example balancer listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}
