// ktaudit is a third-party auditor for a key transparency service. It
// replays the service's update stream against condensed copies of the
// prefix and log trees and periodically countersigns the log tree head.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/karasz/ktaudit"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	listen     = flag.String("listen", ":8081", "Address to listen on for status endpoints")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	if *configPath == "" {
		glog.Exit("config is required")
	}
	fileConfig, err := ktaudit.LoadFileConfig(*configPath)
	if err != nil {
		glog.Exitf("Failed to load config: %v", err)
	}
	cfg, err := fileConfig.AuditorConfig()
	if err != nil {
		glog.Exitf("Invalid auditor config: %v", err)
	}
	repo, err := fileConfig.OpenStateRepository()
	if err != nil {
		glog.Exitf("Failed to open state repository: %v", err)
	}
	if fileConfig.Service.URL == "" {
		glog.Exit("service.url is required")
	}

	auditor, err := ktaudit.NewAuditor(cfg, repo, ktaudit.NewHTTPClient(fileConfig.Service.URL))
	if err != nil {
		glog.Exitf("Failed to create auditor: %v", err)
	}

	httpListener, err := net.Listen("tcp", *listen)
	if err != nil {
		glog.Exitf("failed to listen on %q", *listen)
	}

	r := mux.NewRouter()
	ktaudit.NewStatusServer(auditor).RegisterHandlers(r)
	srv := http.Server{Handler: r}

	// This error group runs all top level processes. If any process dies,
	// all of them are stopped via context cancellation.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Info("status server goroutine started")
		defer glog.Info("status server goroutine done")
		return srv.Serve(httpListener)
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		if err := auditor.LoadStoredState(); err != nil {
			return err
		}
		glog.Infof("auditing every %v", cfg.Interval)
		return auditor.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		glog.Errorf("failed with error: %v", err)
	}
}
