package core

import (
	"fmt"
	"sync"

	"github.com/alwitt/qrelay/common"
	"github.com/apex/log"
)

// CloseCodeAbnormal synthesized close code used when a dead connection is detected
// through a failed send instead of an explicit transport close
const CloseCodeAbnormal = 1006

// clientIDPrefix fixed prefix of assigned client identifiers
const clientIDPrefix = "client"

// ConnectionLifecycleManager drives a connection through Connecting, Open, and Closed.
//
// Authorize covers the Connecting state: it evaluates the before-connection hooks and,
// on denial, the connection never becomes Open, receives no client ID, and emits no
// event. Register admits an authorized connection as Open. Close is the single
// terminal transition; it purges the registry and is idempotent.
type ConnectionLifecycleManager interface {
	// Authorize evaluate the before-connection hooks for a pending connection
	Authorize(meta RequestMetadata) HookDecision
	// Register admit a connection as Open, assigning its client ID
	Register(conn Connection) (string, error)
	// Close transition a connection to Closed, purging all its subscriptions.
	// Closing an unknown or already closed client is a no-op.
	Close(clientID string, code int, reason string) error
	// ConnectionOf look up the connection handle of an open client
	ConnectionOf(clientID string) (Connection, bool)
	// OpenConnectionCount number of currently open connections
	OpenConnectionCount() int
}

// lifecycleManagerImpl implements ConnectionLifecycleManager
type lifecycleManagerImpl struct {
	common.Component
	lock     sync.Mutex
	nextID   uint64
	open     map[string]Connection
	registry SubscriptionRegistry
	hooks    HookChains
	events   *eventListenersImpl
}

// DefineConnectionLifecycleManager create new connection lifecycle manager
func DefineConnectionLifecycleManager(
	instance string,
	registry SubscriptionRegistry,
	hooks HookChains,
	events *eventListenersImpl,
) (ConnectionLifecycleManager, error) {
	logTags := log.Fields{
		"module": "core", "component": "connection-lifecycle", "instance": instance,
	}
	return &lifecycleManagerImpl{
		Component: common.Component{LogTags: logTags},
		open:      make(map[string]Connection),
		registry:  registry,
		hooks:     hooks,
		events:    events,
	}, nil
}

// Authorize evaluate the before-connection hooks for a pending connection
func (m *lifecycleManagerImpl) Authorize(meta RequestMetadata) HookDecision {
	return m.hooks.CheckConnection(meta)
}

// Register admit a connection as Open, assigning its client ID
func (m *lifecycleManagerImpl) Register(conn Connection) (string, error) {
	if conn == nil {
		return "", fmt.Errorf("can not register a nil connection")
	}
	m.lock.Lock()
	m.nextID++
	clientID := fmt.Sprintf("%s-%d", clientIDPrefix, m.nextID)
	m.open[clientID] = conn
	openCount := len(m.open)
	m.lock.Unlock()

	log.WithFields(m.LogTags).Infof(
		"Client %s connected from %s. %d connections open",
		clientID, conn.Metadata().PeerAddr, openCount,
	)
	m.events.emitConnect(ConnectEvent{
		ClientID: clientID, OpenConnections: openCount, Metadata: conn.Metadata(),
	})
	return clientID, nil
}

// Close transition a connection to Closed, purging all its subscriptions
func (m *lifecycleManagerImpl) Close(clientID string, code int, reason string) error {
	m.lock.Lock()
	_, known := m.open[clientID]
	if known {
		delete(m.open, clientID)
	}
	openCount := len(m.open)
	m.lock.Unlock()

	if !known {
		// Already closed, or never admitted
		return nil
	}

	removedKeys := m.registry.PurgeConnection(clientID)
	log.WithFields(m.LogTags).Infof(
		"Client %s disconnected (%d: %s). Purged %d subscriptions. %d connections open",
		clientID, code, reason, len(removedKeys), openCount,
	)
	m.events.emitDisconnect(DisconnectEvent{
		ClientID:        clientID,
		Code:            code,
		Reason:          reason,
		OpenConnections: openCount,
		RemovedKeys:     removedKeys,
	})
	return nil
}

// ConnectionOf look up the connection handle of an open client
func (m *lifecycleManagerImpl) ConnectionOf(clientID string) (Connection, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	conn, ok := m.open[clientID]
	return conn, ok
}

// OpenConnectionCount number of currently open connections
func (m *lifecycleManagerImpl) OpenConnectionCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.open)
}
