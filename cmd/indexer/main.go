package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/polkaview/indexer/infrastructure/logging"
	"github.com/polkaview/indexer/services/indexer"
)

func main() {
	logging.ConfigureStandardFromEnv()
	log := logrus.WithField("app", "indexer")

	cfg, err := indexer.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	svc, err := indexer.NewService(cfg, indexer.ServiceOptions{})
	if err != nil {
		log.WithError(err).Fatal("create service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("start service")
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: indexer.NewRouter(svc),
	}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("serving API")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StopTimeout)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("stop service")
	}
}
