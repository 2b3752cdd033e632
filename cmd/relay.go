// Copyright 2022 The qrelay Authors
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

	"github.com/alwitt/qrelay/apis"
	"github.com/alwitt/qrelay/bridge"
	"github.com/alwitt/qrelay/common"
	"github.com/alwitt/qrelay/core"
	"github.com/alwitt/qrelay/wsbridge"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the relay server until the runtime context ends
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	natsClient *bridge.NatsClient,
	natsSubject string,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	relay, err := core.DefineQueryInvalidationRelay(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay core")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	sessions, err := wsbridge.GetSessionManager(
		localCtxt, relay, config.Websocket, instance, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}

	// Cross instance invalidation bridge is optional
	var invBridge bridge.InvalidationBridge
	if natsClient != nil {
		invBridge, err = bridge.DefineInvalidationBridge(
			*natsClient, relay, natsSubject, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
			return err
		}
		if err := invBridge.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS bridge")
			return err
		}
		defer func() {
			_ = invBridge.Stop()
		}()
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		relay, sessions, invBridge, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// Periodic status report
	if config.StatusReportInterval > 0 {
		reportTimer, err := common.GetIntervalTimerInstance(
			"status-report", localCtxt, wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define report timer")
			return err
		}
		if err := reportTimer.Start(
			time.Second*time.Duration(config.StatusReportInterval), func() error {
				stats := relay.Stats()
				log.WithFields(logTags).Infof(
					"Serving %d connections with %d active subscription keys",
					stats.OpenConnections, stats.ActiveKeys,
				)
				return nil
			}, false,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start report timer")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Subscriber sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/subscribe", map[string]http.HandlerFunc{
			"get": httpHandler.SubscribeHandler(),
		},
	)

	// Invalidation trigger
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/invalidate", map[string]http.HandlerFunc{
			"post": httpHandler.InvalidateHandler(),
		},
	)

	// Status
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/stats", map[string]http.HandlerFunc{
			"get": httpHandler.StatsHandler(),
		},
	)

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
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	// No server-wide write timeout: websocket sessions are long-lived
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
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
