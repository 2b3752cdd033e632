package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/qrelay/common"
	"github.com/alwitt/qrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client used for exchanging invalidations between relay instances
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close close a NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "bridge",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}

// ========================================================================================
// Cross instance invalidation exchange

// crossInstanceInvalidation wire format of one relayed invalidation
type crossInstanceInvalidation struct {
	// Origin instance name of the relay which accepted the original request
	Origin string `json:"origin"`
	// Key the invalidation key
	Key core.SubscriptionKey `json:"key"`
}

// InvalidationBridge relays invalidations between relay instances over a NATS subject.
// Locally accepted invalidations are announced to the subject; announcements from
// other instances are applied against the local relay; own announcements are skipped.
type InvalidationBridge interface {
	// Announce publish a locally accepted invalidation to the other instances
	Announce(ctxt context.Context, key core.SubscriptionKey) error
	// Start begin listening for announcements from other instances
	Start() error
	// Stop stop listening for announcements
	Stop() error
}

// invalidationBridgeImpl implements InvalidationBridge
type invalidationBridgeImpl struct {
	common.Component
	client       NatsClient
	relay        core.QueryInvalidationRelay
	subject      string
	instance     string
	subscription *nats.Subscription
}

// DefineInvalidationBridge create new cross instance invalidation bridge
func DefineInvalidationBridge(
	client NatsClient,
	relay core.QueryInvalidationRelay,
	subject string,
	instance string,
) (InvalidationBridge, error) {
	if subject == "" {
		return nil, fmt.Errorf("invalidation bridge requires a subject")
	}
	logTags := log.Fields{
		"module": "bridge", "component": "invalidation-bridge", "instance": instance,
	}
	return &invalidationBridgeImpl{
		Component: common.Component{LogTags: logTags},
		client:    client,
		relay:     relay,
		subject:   subject,
		instance:  instance,
	}, nil
}

// Announce publish a locally accepted invalidation to the other instances
func (b *invalidationBridgeImpl) Announce(
	ctxt context.Context, key core.SubscriptionKey,
) error {
	message := crossInstanceInvalidation{Origin: b.instance, Key: key}
	payload, err := json.Marshal(&message)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to serialize announcement")
		return err
	}
	if err := b.client.nc.Publish(b.subject, payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to announce invalidation on %s", b.subject,
		)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Announced invalidation on %s", b.subject)
	return nil
}

// Start begin listening for announcements from other instances
func (b *invalidationBridgeImpl) Start() error {
	if b.subscription != nil {
		return fmt.Errorf("invalidation bridge already started")
	}
	sub, err := b.client.nc.Subscribe(b.subject, b.handleAnnouncement)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Failed to subscribe to %s", b.subject,
		)
		return err
	}
	b.subscription = sub
	log.WithFields(b.LogTags).Infof("Listening for invalidations on %s", b.subject)
	return nil
}

// Stop stop listening for announcements
func (b *invalidationBridgeImpl) Stop() error {
	if b.subscription == nil {
		return nil
	}
	err := b.subscription.Unsubscribe()
	b.subscription = nil
	return err
}

// handleAnnouncement apply one announcement against the local relay
func (b *invalidationBridgeImpl) handleAnnouncement(msg *nats.Msg) {
	var message crossInstanceInvalidation
	if err := json.Unmarshal(msg.Data, &message); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Dropping malformed announcement")
		return
	}
	// NATS echoes the instance's own announcements back; skip those
	if message.Origin == b.instance {
		return
	}
	meta := core.RequestMetadata{PeerAddr: fmt.Sprintf("nats/%s", message.Origin)}
	result, err := b.relay.Invalidate(context.Background(), message.Key, meta)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Relayed invalidation failed")
		return
	}
	log.WithFields(b.LogTags).Debugf(
		"Applied invalidation from %s. Notified %d subscribers",
		message.Origin, result.NotifiedCount,
	)
}
