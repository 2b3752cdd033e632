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

package apis

import (
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/qrelay/bridge"
	"github.com/alwitt/qrelay/common"
	"github.com/alwitt/qrelay/core"
	"github.com/alwitt/qrelay/wsbridge"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// APIRestRelayHandler REST handler for the query invalidation relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	relay     core.QueryInvalidationRelay
	sessions  wsbridge.SessionManager
	invBridge bridge.InvalidationBridge
	validate  *validator.Validate
}

// GetAPIRestRelayHandler define APIRestRelayHandler. The invalidation bridge is
// optional; pass nil when cross instance relaying is disabled.
func GetAPIRestRelayHandler(
	relay core.QueryInvalidationRelay,
	sessions wsbridge.SessionManager,
	invBridge bridge.InvalidationBridge,
	httpConfig *common.HTTPConfig,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		relay:     relay,
		sessions:  sessions,
		invBridge: invBridge,
		validate:  validator.New(),
	}, nil
}

// Write logging support
func (h APIRestRelayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Subscriber sessions

// Subscribe godoc
// @Summary Establish a subscriber session
// @Description Upgrade the request into a websocket subscriber session. The session
// exchanges subscription / unsubscription messages inbound, and receives invalidation
// notifications outbound.
// @tags Relay
// @Success 101 {string} string "protocol upgrade"
// @Failure 403 {string} string "connection rejected"
// @Router /v1/subscribe [get]
func (h APIRestRelayHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.sessions.ServeSubscribe(w, r)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestRelayHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// =======================================================================
// Invalidation trigger

// APIRestReqInvalidation request body of an invalidation trigger
type APIRestReqInvalidation struct {
	// Key the invalidation key. Must be present; may be empty.
	Key *core.SubscriptionKey `json:"key" validate:"required"`
}

// APIRestRespInvalidation response of an invalidation trigger
type APIRestRespInvalidation struct {
	goutils.RestAPIBaseResponse
	// Result the dispatch outcome
	Result core.InvalidationResult `json:"result"`
}

// Invalidate godoc
// @Summary Trigger an invalidation
// @Description Dispatch an invalidation for a key to every matching subscriber. A
// request suppressed by policy is still a success; the result carries the distinction.
// @tags Relay
// @Accept json
// @Produce json
// @Param Qrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param invalidation body APIRestReqInvalidation true "Invalidation request"
// @Success 200 {object} APIRestRespInvalidation "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Qrelay-Request-ID "Request ID to match against logs"
// @Router /v1/invalidate [post]
func (h APIRestRelayHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request APIRestReqInvalidation
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalidation request missing key"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	meta := core.RequestMetadata{Headers: r.Header, PeerAddr: r.RemoteAddr}
	result, err := h.relay.Invalidate(r.Context(), *request.Key, meta)
	if err != nil {
		msg := "Invalidation dispatch failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Announce to the other relay instances. Never blocks the caller's result.
	if h.invBridge != nil && !result.Suppressed {
		if err := h.invBridge.Announce(r.Context(), *request.Key); err != nil {
			log.WithError(err).WithFields(localLogTags).Error(
				"Unable to announce invalidation to other instances",
			)
		}
	}

	respCode = http.StatusOK
	respBody = APIRestRespInvalidation{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Result: result,
	}
}

// InvalidateHandler Wrapper around Invalidate
func (h APIRestRelayHandler) InvalidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Invalidate(w, r)
	}
}

// =======================================================================
// Relay status

// APIRestRespRelayStats response of a relay stats query
type APIRestRespRelayStats struct {
	goutils.RestAPIBaseResponse
	// Stats current relay counters
	Stats core.RelayStats `json:"stats"`
}

// Stats godoc
// @Summary Query relay status
// @Description Report the current open connection and active subscription key counts
// @tags Relay
// @Produce json
// @Param Qrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRelayStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Qrelay-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestRelayHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRelayStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: h.relay.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatsHandler Wrapper around Stats
func (h APIRestRelayHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if relay REST API module is ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.relay == nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", "relay core absent",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
