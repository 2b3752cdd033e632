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

package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/qrelay/common"
	"github.com/alwitt/qrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// SessionManager accepts websocket subscriber sessions and bridges them onto the
// relay engine. The relay core only ever sees the core.Connection handle; the socket
// lifecycle stays here.
type SessionManager interface {
	// ServeSubscribe HTTP handler upgrading a request into a subscriber session
	ServeSubscribe(w http.ResponseWriter, r *http.Request)
}

// sessionManagerImpl implements SessionManager
type sessionManagerImpl struct {
	common.Component
	relay       core.QueryInvalidationRelay
	wsConfig    common.WebsocketConfig
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetSessionManager define websocket session manager
func GetSessionManager(
	baseContext context.Context,
	relay core.QueryInvalidationRelay,
	wsConfig common.WebsocketConfig,
	instance string,
	wg *sync.WaitGroup,
) (SessionManager, error) {
	logTags := log.Fields{
		"module": "wsbridge", "component": "session-manager", "instance": instance,
	}
	return &sessionManagerImpl{
		Component: common.Component{LogTags: logTags},
		relay:     relay,
		wsConfig:  wsConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy belongs to the embedding application's connection hooks
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// ServeSubscribe HTTP handler upgrading a request into a subscriber session
func (m *sessionManagerImpl) ServeSubscribe(w http.ResponseWriter, r *http.Request) {
	meta := core.RequestMetadata{Headers: r.Header, PeerAddr: r.RemoteAddr}

	// Connection hooks run before the upgrade. A denied connection never upgrades,
	// and never touches relay state.
	if decision := m.relay.Authorize(meta); !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "connection rejected"
		}
		log.WithFields(m.LogTags).Infof(
			"Rejected connection from %s: %s", r.RemoteAddr, reason,
		)
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Websocket upgrade failed for %s", r.RemoteAddr,
		)
		return
	}

	session := &relaySession{
		conn:         wsConn,
		meta:         meta,
		send:         make(chan []byte, m.wsConfig.SendBufferLen),
		closed:       make(chan struct{}),
		writeTimeout: time.Second * time.Duration(m.wsConfig.WriteTimeout),
	}
	wsConn.SetReadLimit(m.wsConfig.ReadLimitBytes)

	clientID, err := m.relay.Register(session)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to register connection")
		_ = wsConn.Close()
		return
	}
	session.clientID = clientID
	sessionLogTags := log.Fields{}
	for lt, lv := range m.LogTags {
		sessionLogTags[lt] = lv
	}
	sessionLogTags["client"] = clientID
	session.logTags = sessionLogTags

	// The relay purges a connection when its sends fail mid dispatch. Watch for that
	// disconnect so the socket itself gets torn down as well.
	watcher := m.relay.OnDisconnect(func(event core.DisconnectEvent) {
		if event.ClientID == clientID {
			session.closeSocket()
		}
	})
	defer watcher.Detach()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.writePump(m.baseContext)
	}()

	// Read loop runs on the handler goroutine; per connection requests therefore
	// reach the relay in arrival order
	session.readPump(m.relay, m.validate)
}

// ========================================================================================

// relaySession one live websocket subscriber session. Implements core.Connection.
type relaySession struct {
	conn         *websocket.Conn
	clientID     string
	meta         core.RequestMetadata
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logTags      log.Fields
}

// SendBytes push a serialized payload toward the connection peer. Never blocks: a
// session whose send buffer is full is reported dead to the caller.
func (s *relaySession) SendBytes(ctxt context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return fmt.Errorf("session %s already closed", s.clientID)
	case <-ctxt.Done():
		return ctxt.Err()
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full", s.clientID)
	}
}

// Metadata request metadata captured at connect time
func (s *relaySession) Metadata() core.RequestMetadata {
	return s.meta
}

// closeSocket tear the websocket down. Safe to call more than once.
func (s *relaySession) closeSocket() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// readPump decode inbound messages and apply them against the relay until the
// connection goes away
func (s *relaySession) readPump(
	relay core.QueryInvalidationRelay, validate *validator.Validate,
) {
	defer s.closeSocket()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			code := core.CloseCodeAbnormal
			reason := err.Error()
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
				reason = closeErr.Text
			}
			log.WithFields(s.logTags).Debugf("Read loop ending (%d: %s)", code, reason)
			_ = relay.Close(s.clientID, code, reason)
			return
		}

		packet, err := ParseClientPacket(payload, validate)
		if err != nil {
			// Unparsable traffic must not reach the relay core
			log.WithError(err).WithFields(s.logTags).Warn("Dropping malformed message")
			continue
		}

		switch packet.Type {
		case PacketTypeSubscription:
			if _, err := relay.Subscribe(s.clientID, packet.SubscriptionKey()); err != nil {
				log.WithError(err).WithFields(s.logTags).Error("Subscribe failed")
			}
		case PacketTypeUnsubscription:
			if _, err := relay.Unsubscribe(s.clientID, packet.SubscriptionKey()); err != nil {
				log.WithError(err).WithFields(s.logTags).Error("Unsubscribe failed")
			}
		}
	}
}

// writePump forward queued notifications onto the websocket until the session closes
func (s *relaySession) writePump(baseContext context.Context) {
	defer s.closeSocket()
	for {
		select {
		case <-s.closed:
			return
		case <-baseContext.Done():
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(s.writeTimeout),
			)
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(s.logTags).Debug("Write loop ending")
				return
			}
		}
	}
}
