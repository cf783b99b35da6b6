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

package apis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/pushmq/broker"
	"github.com/alwitt/pushmq/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestRelayHandler REST handler for the pub / sub relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	relay          broker.MessageBroker
	upgrader       websocket.Upgrader
	wsWriteTimeout time.Duration
	baseContext    context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	msgBroker broker.MessageBroker,
	httpConfig *common.HTTPConfig,
	wsWriteTimeout time.Duration,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	if wsWriteTimeout == 0 {
		wsWriteTimeout = time.Second * 5
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
		relay: msgBroker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement is left to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsWriteTimeout: wsWriteTimeout,
		baseContext:    baseContext,
	}, nil
}

// Write logging support
func (h APIRestRelayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Client websocket sessions

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Establish a client websocket session
// @Description Upgrade the request to a websocket session carrying the relay
// wire protocol. The session lasts until the client disconnects, the server
// shuts down, or the connection is evicted for heartbeat silence.
// @tags Relay
// @Param Pushmq-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "protocol switch"
// @Failure 400 {string} string "error"
// @Failure 500 {string} string "error"
// @Router /v1/connect [get]
func (h APIRestRelayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	transport := broker.GetWebsocketTransport(conn, h.wsWriteTimeout)
	connID, err := h.relay.Accept(r.Context(), transport)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Connection rejected")
		_ = transport.Close()
		return
	}
	log.WithFields(localLogTags).Infof("Session %s established", connID)

	// The session is driven entirely by this read loop. Outbound frames go
	// through the connection's writer inside the relay, so the websocket
	// never sees concurrent writers.
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Infof("Session %s read ended", connID)
			break
		}
		if err := h.relay.ReceiveMessage(r.Context(), connID, payload); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to forward frame from session %s", connID,
			)
			break
		}
	}
	if err := h.relay.ConnectionClosed(h.baseContext, connID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to deregister session %s", connID,
		)
	}
}

// ConnectHandler Wrapper around Connect
func (h APIRestRelayHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Server side publish

// -----------------------------------------------------------------------

// APIRestRespPublish response of a publish request
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Delivered number of connections the message was delivered to
	Delivered int `json:"delivered"`
}

// PublishMessage godoc
// @Summary Publish an update to a channel
// @Description Fan a JSON payload out to every subscriber of a channel. A
// channel with no subscribers is a no-op and reports zero deliveries.
// @tags Relay
// @Accept json
// @Produce json
// @Param Pushmq-Request-ID header string false "User provided request ID to match against logs"
// @Param channelName path string true "Channel to publish under"
// @Param message body object true "JSON payload to publish"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Pushmq-Request-ID "Request ID to match against logs"
// @Router /v1/publish/{channelName} [post]
func (h APIRestRelayHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	channelName, ok := vars["channelName"]
	if !ok {
		msg := "No channel name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateChannelName(channelName); err != nil {
		msg := "Invalid channel name"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if len(payload) == 0 || !json.Valid(payload) {
		msg := "Body is not a JSON document"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	delivered, err := h.relay.Publish(r.Context(), channelName, payload)
	if err != nil {
		msg := "Unable to publish message"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Delivered: delivered,
	}
}

// PublishMessageHandler Wrapper around PublishMessage
func (h APIRestRelayHandler) PublishMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishMessage(w, r)
	}
}

// =======================================================================
// Introspection

// -----------------------------------------------------------------------

// APIRestRespRelayStats response of a stats request
type APIRestRespRelayStats struct {
	goutils.RestAPIBaseResponse
	// Stats relay state snapshot
	Stats broker.BrokerStats `json:"stats"`
}

// GetStats godoc
// @Summary Fetch relay statistics
// @Description Report the live connection count, the active channel count,
// and the per channel subscriber counts.
// @tags Relay
// @Produce json
// @Param Pushmq-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRelayStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Pushmq-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestRelayHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.relay.Stats(r.Context())
	if err != nil {
		msg := "Unable to read relay stats"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRelayStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Stats: stats,
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestRelayHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
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

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if the relay event loop is responsive
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
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

	probeCtxt, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if _, err := h.relay.Stats(probeCtxt); err != nil {
		msg := "not ready"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
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
