package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ansys/simsched/internal/common/app"
	"github.com/ansys/simsched/internal/scheduler/configuration"
	"github.com/ansys/simsched/internal/scheduler/handler"
	"github.com/ansys/simsched/internal/scheduler/server"
)

// Run sets up the scheduling backend and serves it until a SIGTERM is received.
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.ShutdownContext())

	syncHandler := handler.New(config, prometheus.DefaultRegisterer)
	defer func() {
		if err := syncHandler.Close(); err != nil {
			log.WithError(err).Warn("scheduler didn't shut down cleanly")
		}
	}()

	log.WithField("backends", syncHandler.SupportedBackends()).
		Info("starting scheduler")

	restServer := server.New(config, syncHandler)
	g.Go(func() error {
		return restServer.Run(ctx)
	})

	return g.Wait()
}
