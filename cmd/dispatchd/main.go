/*
Copyright 2022.

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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dispatchd/dispatchd/internal/bootstrap"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
	"github.com/dispatchd/dispatchd/internal/log"
	"github.com/dispatchd/dispatchd/internal/ociimage"
	"github.com/dispatchd/dispatchd/internal/store"
)

func main() {
	var configPath string
	var debug bool
	flag.StringVar(&configPath, "config", "/etc/dispatchd/config.toml", "path to the daemon's TOML configuration file")
	flag.BoolVar(&debug, "debug", os.Getenv("GO_LOG") == "debug", "enable development logging")
	flag.Parse()

	logger, err := log.New(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to build logger: %v\n", err)
		os.Exit(1)
	}
	setupLog := logger.WithName("setup")

	cfg, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}

	st, err := store.New(cfg.Storage.Root)
	if err != nil {
		setupLog.Error(err, "unable to prepare persistence store", "root", cfg.Storage.Root)
		os.Exit(1)
	}

	gw := kernelapi.New()
	fetcher := ociimage.NewStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := bootstrap.Start(ctx, logger, cfg, st, gw, fetcher); err != nil {
		setupLog.Error(err, "unable to start dispatchd")
		os.Exit(1)
	}

	setupLog.Info("dispatchd started", "storage", cfg.Storage.Root)
	<-ctx.Done()
	setupLog.Info("shutting down")
}
