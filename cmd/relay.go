// Copyright 2022 The pushmq Authors
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

	"github.com/alwitt/pushmq/apis"
	"github.com/alwitt/pushmq/broker"
	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/alwitt/pushmq/ingress"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid configuration")
		return err
	}

	// The relay event loop outlives the runtime context so it can close the
	// client sessions during the shutdown sequence
	relayCtxt, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()
	relay, err := broker.GetMessageBroker(
		instance, broker.GetBrokerParamsFromConfig(config.Broker), relayCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define message relay")
		return err
	}
	if err := relay.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start message relay")
		return err
	}

	// Optional NATS event ingress
	var bridge ingress.EventBridge
	if config.Ingress != nil {
		if natsClient == nil {
			return fmt.Errorf("event ingress configured but no NATS client given")
		}
		bridge, err = ingress.GetEventBridge(
			natsClient, relay, config.Ingress.SubjectPrefix, relayCtxt,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define event bridge")
			return err
		}
		if err := bridge.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start event bridge")
			return err
		}
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt,
		relay,
		&config.Relay.HTTPSetting,
		time.Second*time.Duration(config.Relay.HTTPSetting.Server.WriteTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Relay.Endpoints.PathPrefix, nil)

	// Client websocket sessions
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connect", map[string]http.HandlerFunc{
		"get": httpHandler.ConnectHandler(),
	})

	// Server side publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/publish/{channelName}", map[string]http.HandlerFunc{
			"post": httpHandler.PublishMessageHandler(),
		},
	)

	// Introspection
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": httpHandler.GetStatsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.Relay.HTTPSetting.Server.ListenOn, config.Relay.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.Relay.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.Relay.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the event ingress first so no new fan-outs start
	if bridge != nil {
		stopCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := bridge.Stop(stopCtxt); err != nil {
			log.WithError(err).Error("Failure during event bridge shutdown")
		}
	}

	// Stopping the relay closes every client session, which unblocks the
	// websocket read loops held by the HTTP handlers
	if err := relay.Stop(); err != nil {
		log.WithError(err).Error("Failure during relay shutdown")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
