package core

import (
	"sync"
	"time"
)

// ConnectEvent emitted after a connection is admitted and assigned a client ID
type ConnectEvent struct {
	// ClientID assigned client identifier
	ClientID string
	// OpenConnections total open connections after the admit
	OpenConnections int
	// Metadata request metadata captured at connect time
	Metadata RequestMetadata
}

// DisconnectEvent emitted after a connection turns Closed and its subscriptions are purged
type DisconnectEvent struct {
	// ClientID client identifier of the closed connection
	ClientID string
	// Code transport close code, or a synthesized code on dead-send detection
	Code int
	// Reason transport close reason
	Reason string
	// OpenConnections total open connections remaining
	OpenConnections int
	// RemovedKeys subscriptions purged with the connection, in subscription order
	RemovedKeys []SubscriptionKey
}

// SubscribeEvent emitted after a subscribe request is applied
type SubscribeEvent struct {
	// ClientID requesting client
	ClientID string
	// Key the subscription key
	Key SubscriptionKey
	// SubscriberCount subscribers the key holds after the request
	SubscriberCount int
}

// UnsubscribeEvent emitted after an unsubscribe request is applied
type UnsubscribeEvent struct {
	// ClientID requesting client
	ClientID string
	// Key the subscription key
	Key SubscriptionKey
	// SubscriberCount subscribers the key holds after the request
	SubscriberCount int
}

// InvalidationDoneEvent emitted after an invalidation dispatch completes. Suppressed
// dispatches do not produce this event.
type InvalidationDoneEvent struct {
	// Result outcome of the dispatch
	Result InvalidationResult
	// DispatchedAt timestamp stamped into the notification payload
	DispatchedAt time.Time
}

// ========================================================================================

// ListenerHandle detachable registration of one event listener
type ListenerHandle interface {
	// Detach remove the listener. Safe to call more than once.
	Detach()
}

// EventListeners typed observer lists for relay lifecycle and dispatch events.
// Listeners for one event run in registration order. Registration returns a handle
// which detaches the listener again.
type EventListeners interface {
	OnConnect(listener func(ConnectEvent)) ListenerHandle
	OnDisconnect(listener func(DisconnectEvent)) ListenerHandle
	OnSubscribe(listener func(SubscribeEvent)) ListenerHandle
	OnUnsubscribe(listener func(UnsubscribeEvent)) ListenerHandle
	OnInvalidationDone(listener func(InvalidationDoneEvent)) ListenerHandle
}

// eventListenersImpl implements EventListeners, and carries the emit side used by the
// lifecycle manager and the dispatcher
type eventListenersImpl struct {
	lock           sync.Mutex
	nextListenerID int
	onConnect      []registeredListener
	onDisconnect   []registeredListener
	onSubscribe    []registeredListener
	onUnsubscribe  []registeredListener
	onInvalidation []registeredListener
}

// registeredListener one registered listener within an observer list
type registeredListener struct {
	id       int
	callback interface{}
}

// defineEventListeners create new event listener lists
func defineEventListeners() *eventListenersImpl {
	return &eventListenersImpl{}
}

// listenerHandleImpl implements ListenerHandle
type listenerHandleImpl struct {
	id     int
	detach func(id int)
}

// Detach remove the listener
func (h *listenerHandleImpl) Detach() {
	h.detach(h.id)
}

// register append a listener to an observer list, returning its handle
func (e *eventListenersImpl) register(
	list *[]registeredListener, callback interface{},
) ListenerHandle {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.nextListenerID++
	id := e.nextListenerID
	*list = append(*list, registeredListener{id: id, callback: callback})
	return &listenerHandleImpl{
		id: id,
		detach: func(detachID int) {
			e.lock.Lock()
			defer e.lock.Unlock()
			kept := (*list)[:0]
			for _, entry := range *list {
				if entry.id != detachID {
					kept = append(kept, entry)
				}
			}
			*list = kept
		},
	}
}

// snapshot copy an observer list for invocation outside the lock
func (e *eventListenersImpl) snapshot(list *[]registeredListener) []registeredListener {
	e.lock.Lock()
	defer e.lock.Unlock()
	result := make([]registeredListener, len(*list))
	copy(result, *list)
	return result
}

// OnConnect register a connect event listener
func (e *eventListenersImpl) OnConnect(listener func(ConnectEvent)) ListenerHandle {
	return e.register(&e.onConnect, listener)
}

// OnDisconnect register a disconnect event listener
func (e *eventListenersImpl) OnDisconnect(listener func(DisconnectEvent)) ListenerHandle {
	return e.register(&e.onDisconnect, listener)
}

// OnSubscribe register a subscribe event listener
func (e *eventListenersImpl) OnSubscribe(listener func(SubscribeEvent)) ListenerHandle {
	return e.register(&e.onSubscribe, listener)
}

// OnUnsubscribe register an unsubscribe event listener
func (e *eventListenersImpl) OnUnsubscribe(listener func(UnsubscribeEvent)) ListenerHandle {
	return e.register(&e.onUnsubscribe, listener)
}

// OnInvalidationDone register an invalidation completed event listener
func (e *eventListenersImpl) OnInvalidationDone(
	listener func(InvalidationDoneEvent),
) ListenerHandle {
	return e.register(&e.onInvalidation, listener)
}

func (e *eventListenersImpl) emitConnect(event ConnectEvent) {
	for _, entry := range e.snapshot(&e.onConnect) {
		entry.callback.(func(ConnectEvent))(event)
	}
}

func (e *eventListenersImpl) emitDisconnect(event DisconnectEvent) {
	for _, entry := range e.snapshot(&e.onDisconnect) {
		entry.callback.(func(DisconnectEvent))(event)
	}
}

func (e *eventListenersImpl) emitSubscribe(event SubscribeEvent) {
	for _, entry := range e.snapshot(&e.onSubscribe) {
		entry.callback.(func(SubscribeEvent))(event)
	}
}

func (e *eventListenersImpl) emitUnsubscribe(event UnsubscribeEvent) {
	for _, entry := range e.snapshot(&e.onUnsubscribe) {
		entry.callback.(func(UnsubscribeEvent))(event)
	}
}

func (e *eventListenersImpl) emitInvalidationDone(event InvalidationDoneEvent) {
	for _, entry := range e.snapshot(&e.onInvalidation) {
		entry.callback.(func(InvalidationDoneEvent))(event)
	}
}
