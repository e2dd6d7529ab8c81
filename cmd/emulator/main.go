/*
Copyright 2023 The LocalGCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/localgcp/localgcp/pkg/blob"
	"github.com/localgcp/localgcp/pkg/compute"
	"github.com/localgcp/localgcp/pkg/docker"
	"github.com/localgcp/localgcp/pkg/iam"
	"github.com/localgcp/localgcp/pkg/server"
	"github.com/localgcp/localgcp/pkg/storage"
	"github.com/localgcp/localgcp/pkg/store"
	"github.com/localgcp/localgcp/pkg/vpc"
)

func main() {
	var (
		app   = kingpin.New(filepath.Base(os.Args[0]), "Local emulator for GCP control planes.").DefaultEnvars()
		debug = app.Flag("debug", "Run with debug logging.").Short('d').Bool()

		listen      = app.Flag("listen", "Address the HTTP API listens on.").Default(":8080").OverrideDefaultFromEnvar("LISTEN").String()
		databaseURL = app.Flag("database-url", "Metadata store URL; postgres:// or a SQLite path.").Default("localgcp.db").OverrideDefaultFromEnvar("DATABASE_URL").String()
		storageRoot = app.Flag("storage-root", "Directory object payloads are kept under.").Default("localgcp-data").OverrideDefaultFromEnvar("STORAGE_ROOT").String()
		endpoint    = app.Flag("container-runtime-endpoint", "Container runtime endpoint; empty uses the environment defaults.").OverrideDefaultFromEnvar("CONTAINER_RUNTIME_ENDPOINT").String()

		syncInterval      = app.Flag("sync", "How often instance rows are reconciled against observed containers.").Default("10s").OverrideDefaultFromEnvar("SYNC_INTERVAL").Duration()
		lifecycleInterval = app.Flag("lifecycle", "How often bucket lifecycle rules and expired sessions are swept.").Default("1m").OverrideDefaultFromEnvar("LIFECYCLE_INTERVAL").Duration()

		autoSupernet = app.Flag("auto-mode-supernet", "Supernet auto-mode VPCs draw their range from.").OverrideDefaultFromEnvar("AUTO_MODE_SUPERNET").String()
		hostSupernet = app.Flag("host-network-supernet", "Supernet host container networks are carved out of.").OverrideDefaultFromEnvar("HOST_NETWORK_SUPERNET").String()
	)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log, err := buildLogger(*debug)
	kingpin.FatalIfError(err, "Cannot build logger")
	defer log.Sync() //nolint:errcheck

	st, err := store.Open(*databaseURL)
	kingpin.FatalIfError(err, "Cannot open metadata store")
	kingpin.FatalIfError(st.Migrate(), "Cannot migrate metadata store")

	blobs, err := blob.New(afero.NewOsFs(), *storageRoot)
	kingpin.FatalIfError(err, "Cannot open payload store")

	driver, err := docker.New(*endpoint, log)
	kingpin.FatalIfError(err, "Cannot connect to container runtime")

	manager, err := vpc.New(st, driver, vpc.Config{
		AutoModeSupernet:    *autoSupernet,
		HostNetworkSupernet: *hostSupernet,
	})
	kingpin.FatalIfError(err, "Cannot build VPC manager")

	storageSvc := storage.New(st, blobs, log)
	iamSvc := iam.New(st, log)
	computeSvc := compute.New(st, manager, driver, log)
	kingpin.FatalIfError(iamSvc.SeedRoles(context.Background()), "Cannot seed role catalog")

	srv := &http.Server{
		Addr:              *listen,
		Handler:           server.New(storageSvc, iamSvc, computeSvc, manager, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	reconciler := compute.NewReconciler(computeSvc, *syncInterval, log)
	worker := storage.NewWorker(storageSvc, *lifecycleInterval, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		log.Info("serving HTTP API", zap.String("listen", *listen))
		return srv.ListenAndServe()
	}, func(error) {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	})
	g.Add(func() error {
		return reconciler.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return worker.Run(ctx)
	}, func(error) {
		cancel()
	})

	err = g.Run()
	if _, ok := err.(run.SignalError); ok {
		log.Info("shutting down", zap.String("reason", err.Error()))
		return
	}
	kingpin.FatalIfError(err, "Emulator exited")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
