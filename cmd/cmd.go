// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"github.com/cubefs/journal/server"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Config service config
type Config struct {
	server.Config

	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "journal.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "mount")
	startServer, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		span.Fatalf("open server failed: %s", errors.Detail(err))
	}
	// replay the journal before accepting any request
	if err = startServer.Mount(ctx); err != nil {
		span.Fatalf("mount failed: %s", errors.Detail(err))
	}

	httpServer := server.NewHttpServer(startServer, ":"+strconv.Itoa(int(cfg.HttpBindPort)))
	grpcServer := server.NewRPCServer(startServer)
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return httpServer.Serve()
	})
	g.Go(func() error {
		return grpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)))
	})

	// wait for signal or a listener failure
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-ch:
		log.Info("receive signal:", sig)
	case <-gctx.Done():
	}

	// stop all server
	grpcServer.Stop()
	httpServer.Stop()
	if err = g.Wait(); err != nil && err != grpc.ErrServerStopped {
		log.Error("server exits:", err)
	}
	startServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func initConfig(cfg *Config) {
	if cfg.StoreConfig.Path == "" {
		cfg.StoreConfig.Path = "./run/store"
	}
	if cfg.HttpBindPort == 0 {
		cfg.HttpBindPort = 9500
	}
	if cfg.GrpcBindPort == 0 {
		cfg.GrpcBindPort = 9501
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.ArrayConfig.NumUserSegments == 0 || cfg.ArrayConfig.StripesPerSegment == 0 ||
		cfg.ArrayConfig.BlksPerStripe == 0 || cfg.ArrayConfig.NumWbStripes == 0 {
		log.Fatalf("array geometry must be set: %+v", cfg.ArrayConfig)
	}
}
