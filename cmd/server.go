// Copyright 2022 The chatpush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatpush/apis"
	"github.com/alwitt/chatpush/common"
	"github.com/alwitt/chatpush/core"
	"github.com/alwitt/chatpush/directory"
	"github.com/alwitt/chatpush/intake"
	"github.com/alwitt/chatpush/realtime"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineEventServerRouter build the router of the event server APIs
func DefineEventServerRouter(pathPrefix string, httpHandler apis.APIRestEventHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1/sse", nil)

	// Event streams
	_ = apis.RegisterPathPrefix(v1Router, "/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ws", map[string]http.HandlerFunc{
		"get": httpHandler.WebSocketHandler(),
	})

	// Status
	_ = apis.RegisterPathPrefix(v1Router, "/status", map[string]http.HandlerFunc{
		"get": httpHandler.StatusHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/status/{userId}", map[string]http.HandlerFunc{
		"get": httpHandler.UserStatusHandler(),
	})

	// Administration
	_ = apis.RegisterPathPrefix(v1Router, "/disconnect/{userId}", map[string]http.HandlerFunc{
		"delete": httpHandler.DisconnectHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/publish/user/{userId}", map[string]http.HandlerFunc{
		"post": httpHandler.PublishToUserHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/publish/group/{groupId}", map[string]http.HandlerFunc{
		"post": httpHandler.PublishToGroupHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	return router
}

// RunEventServer run the event distribution server until the runtime context ends
//
// natsClient is only needed when the NATS event intake is configured.
func RunEventServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "event-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	if config.Intake != nil && natsClient == nil {
		err := fmt.Errorf("event intake configured without a NATS client")
		log.WithError(err).WithFields(logTags).Error("Invalid setup")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	users, err := directory.DefineDirectoryFromConfig(localCtxt, config.Directory)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define user directory")
		return err
	}

	broadcaster, err := realtime.DefineBroadcasterFromConfig(
		localCtxt, config.Realtime, users, users, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}
	defer func() {
		if err := broadcaster.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop broadcaster")
		}
	}()

	readyChecks := []apis.ReadinessCheck{}
	if config.Intake != nil {
		eventIntake, err := intake.GetEventIntake(localCtxt, natsClient, *config.Intake, broadcaster)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event intake")
			return err
		}
		if err := eventIntake.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event intake")
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			if err := eventIntake.Stop(ctx); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop event intake")
			}
		}()
		readyChecks = append(readyChecks, func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("NATS client not connected")
			}
			return nil
		})
	}

	httpHandler, err := apis.GetAPIRestEventHandler(
		localCtxt, broadcaster, users, &config.Server.HTTPSetting, wg, readyChecks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := DefineEventServerRouter(config.Server.Endpoints.PathPrefix, httpHandler)

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
