package core

import (
	"context"
	"fmt"

	"github.com/alwitt/qrelay/common"
	"github.com/apex/log"
)

// RelayStats point-in-time counters describing the relay
type RelayStats struct {
	// OpenConnections currently open connections
	OpenConnections int `json:"open_connections"`
	// ActiveKeys distinct subscription keys currently registered
	ActiveKeys int `json:"active_keys"`
}

// QueryInvalidationRelay the assembled relay engine: subscription registry, hook
// chains, lifecycle manager, invalidation dispatcher, and event listeners behind a
// single surface the transport and API layers drive.
//
// For a single connection the transport must deliver subscribe / unsubscribe requests
// sequentially; the relay applies them in arrival order.
type QueryInvalidationRelay interface {
	EventListeners
	// Authorize evaluate the before-connection hooks for a pending connection. On
	// denial the transport must reject the connection instead of completing it.
	Authorize(meta RequestMetadata) HookDecision
	// Register admit an authorized connection, returning its assigned client ID
	Register(conn Connection) (string, error)
	// Subscribe apply a subscribe request from an open client. Returns the key's
	// subscriber count after the request.
	Subscribe(clientID string, key SubscriptionKey) (int, error)
	// Unsubscribe apply an unsubscribe request from an open client. Returns the
	// key's remaining subscriber count.
	Unsubscribe(clientID string, key SubscriptionKey) (int, error)
	// Close record a connection close, purging all its subscriptions. Idempotent.
	Close(clientID string, code int, reason string) error
	// Invalidate dispatch an invalidation to every matching subscriber
	Invalidate(
		ctxt context.Context, key SubscriptionKey, meta RequestMetadata,
	) (InvalidationResult, error)
	// AddConnectionHook append a before-connection authorization hook
	AddConnectionHook(hook ConnectionHook)
	// AddInvalidationHook append a before-invalidation authorization hook
	AddInvalidationHook(hook InvalidationHook)
	// Stats point-in-time relay counters
	Stats() RelayStats
}

// queryInvalidationRelayImpl implements QueryInvalidationRelay
type queryInvalidationRelayImpl struct {
	common.Component
	*eventListenersImpl
	registry   SubscriptionRegistry
	hooks      HookChains
	lifecycle  ConnectionLifecycleManager
	dispatcher InvalidationDispatcher
}

// DefineQueryInvalidationRelay create new relay engine instance. Instances are fully
// independent; multiple may coexist within one process.
func DefineQueryInvalidationRelay(instance string) (QueryInvalidationRelay, error) {
	logTags := log.Fields{
		"module": "core", "component": "relay", "instance": instance,
	}
	events := defineEventListeners()
	registry, err := DefineSubscriptionRegistry(instance)
	if err != nil {
		return nil, err
	}
	hooks, err := DefineHookChains(instance)
	if err != nil {
		return nil, err
	}
	lifecycle, err := DefineConnectionLifecycleManager(instance, registry, hooks, events)
	if err != nil {
		return nil, err
	}
	dispatcher, err := DefineInvalidationDispatcher(
		instance, registry, hooks, lifecycle, events,
	)
	if err != nil {
		return nil, err
	}
	return &queryInvalidationRelayImpl{
		Component:          common.Component{LogTags: logTags},
		eventListenersImpl: events,
		registry:           registry,
		hooks:              hooks,
		lifecycle:          lifecycle,
		dispatcher:         dispatcher,
	}, nil
}

// Authorize evaluate the before-connection hooks for a pending connection
func (r *queryInvalidationRelayImpl) Authorize(meta RequestMetadata) HookDecision {
	return r.lifecycle.Authorize(meta)
}

// Register admit an authorized connection
func (r *queryInvalidationRelayImpl) Register(conn Connection) (string, error) {
	return r.lifecycle.Register(conn)
}

// Subscribe apply a subscribe request from an open client
func (r *queryInvalidationRelayImpl) Subscribe(
	clientID string, key SubscriptionKey,
) (int, error) {
	conn, ok := r.lifecycle.ConnectionOf(clientID)
	if !ok {
		return 0, fmt.Errorf("client %s is not an open connection", clientID)
	}
	count, err := r.registry.Subscribe(key, clientID, conn)
	if err != nil {
		return 0, err
	}
	// A close can land between the open check and the registry insert; its purge
	// would miss this entry and later closes no-op on the unknown client. Re-check
	// and undo so a closed client never leaves a key behind.
	if _, stillOpen := r.lifecycle.ConnectionOf(clientID); !stillOpen {
		if _, err := r.registry.Unsubscribe(key, clientID); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to drop subscription of closed client %s", clientID,
			)
		}
		return 0, fmt.Errorf("client %s is not an open connection", clientID)
	}
	r.emitSubscribe(SubscribeEvent{
		ClientID: clientID, Key: key, SubscriberCount: count,
	})
	return count, nil
}

// Unsubscribe apply an unsubscribe request from an open client
func (r *queryInvalidationRelayImpl) Unsubscribe(
	clientID string, key SubscriptionKey,
) (int, error) {
	count, err := r.registry.Unsubscribe(key, clientID)
	if err != nil {
		return 0, err
	}
	r.emitUnsubscribe(UnsubscribeEvent{
		ClientID: clientID, Key: key, SubscriberCount: count,
	})
	return count, nil
}

// Close record a connection close
func (r *queryInvalidationRelayImpl) Close(clientID string, code int, reason string) error {
	return r.lifecycle.Close(clientID, code, reason)
}

// Invalidate dispatch an invalidation to every matching subscriber
func (r *queryInvalidationRelayImpl) Invalidate(
	ctxt context.Context, key SubscriptionKey, meta RequestMetadata,
) (InvalidationResult, error) {
	return r.dispatcher.Invalidate(ctxt, key, meta)
}

// AddConnectionHook append a before-connection authorization hook
func (r *queryInvalidationRelayImpl) AddConnectionHook(hook ConnectionHook) {
	r.hooks.AddConnectionHook(hook)
}

// AddInvalidationHook append a before-invalidation authorization hook
func (r *queryInvalidationRelayImpl) AddInvalidationHook(hook InvalidationHook) {
	r.hooks.AddInvalidationHook(hook)
}

// Stats point-in-time relay counters
func (r *queryInvalidationRelayImpl) Stats() RelayStats {
	return RelayStats{
		OpenConnections: r.lifecycle.OpenConnectionCount(),
		ActiveKeys:      r.registry.TotalSubscriptionCount(),
	}
}
