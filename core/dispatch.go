package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/qrelay/common"
	"github.com/apex/log"
)

// InvalidationResult outcome of one invalidation dispatch
type InvalidationResult struct {
	// Key the requested invalidation key
	Key SubscriptionKey `json:"key"`
	// MatchedKeys subscription keys the request selected
	MatchedKeys []SubscriptionKey `json:"matched_keys"`
	// NotifiedCount distinct clients successfully notified. A client subscribed to
	// several matched keys receives one notification and counts once.
	NotifiedCount int `json:"notified_count"`
	// TotalSubscriptions distinct keys registered before the dispatch ran
	TotalSubscriptions int `json:"total_subscriptions"`
	// Suppressed whether a before-invalidation hook vetoed the dispatch
	Suppressed bool `json:"suppressed"`
}

// InvalidationNotice notification payload delivered to each matched subscriber
type InvalidationNotice struct {
	// Type always "invalidation"
	Type string `json:"type"`
	// Key the invalidation key as requested
	Key SubscriptionKey `json:"key"`
	// DispatchedAt when the dispatch ran
	DispatchedAt time.Time `json:"dispatched_at"`
}

// InvalidationDispatcher fans an invalidation out to every subscriber whose key the
// invalidation key selects, after consulting the before-invalidation hooks
type InvalidationDispatcher interface {
	// Invalidate run one invalidation dispatch. The error return covers only keys
	// which can not be canonicalized; hook denial and dead subscribers are normal
	// outcomes reported through the result. The reported notified count is per
	// distinct client, not per (key, subscriber) pair.
	Invalidate(
		ctxt context.Context, key SubscriptionKey, meta RequestMetadata,
	) (InvalidationResult, error)
}

// invalidationDispatcherImpl implements InvalidationDispatcher
type invalidationDispatcherImpl struct {
	common.Component
	registry  SubscriptionRegistry
	hooks     HookChains
	lifecycle ConnectionLifecycleManager
	events    *eventListenersImpl
	timestamp func() time.Time
}

// DefineInvalidationDispatcher create new invalidation dispatcher
func DefineInvalidationDispatcher(
	instance string,
	registry SubscriptionRegistry,
	hooks HookChains,
	lifecycle ConnectionLifecycleManager,
	events *eventListenersImpl,
) (InvalidationDispatcher, error) {
	logTags := log.Fields{
		"module": "core", "component": "invalidation-dispatch", "instance": instance,
	}
	return &invalidationDispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		hooks:     hooks,
		lifecycle: lifecycle,
		events:    events,
		timestamp: time.Now,
	}, nil
}

// Invalidate run one invalidation dispatch
func (d *invalidationDispatcherImpl) Invalidate(
	ctxt context.Context, key SubscriptionKey, meta RequestMetadata,
) (InvalidationResult, error) {
	if key == nil {
		key = SubscriptionKey{}
	}

	// Record the pre-dispatch count. The same value goes to the hooks and into the
	// final result, even when sends change the registry mid dispatch.
	totalSubscriptions := d.registry.TotalSubscriptionCount()

	matchedKeys, err := d.registry.MatchingKeys(key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Invalidation with bad key")
		return InvalidationResult{}, err
	}

	result := InvalidationResult{
		Key:                key,
		MatchedKeys:        matchedKeys,
		TotalSubscriptions: totalSubscriptions,
	}

	// Authorization runs even with zero matches, so hooks observe every request
	decision := d.hooks.CheckInvalidation(InvalidationCheck{
		Key:                key,
		MatchedKeys:        matchedKeys,
		TotalSubscriptions: totalSubscriptions,
		Metadata:           meta,
	})
	if !decision.Allowed {
		result.Suppressed = true
		log.WithFields(d.LogTags).Infof(
			"Invalidation suppressed by policy: %s", decision.Reason,
		)
		return result, nil
	}

	dispatchedAt := d.timestamp()
	notice := InvalidationNotice{
		Type: "invalidation", Key: key, DispatchedAt: dispatchedAt,
	}
	payload, err := json.Marshal(&notice)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize notification")
		return InvalidationResult{}, err
	}

	// One client may hold several matched keys; notify it only once
	notified := map[string]bool{}
	for _, matched := range matchedKeys {
		// Snapshot decouples the send loop from concurrent registry mutation
		for clientID, conn := range d.registry.SubscribersOf(matched) {
			if notified[clientID] {
				continue
			}
			notified[clientID] = true
			if err := conn.SendBytes(ctxt, payload); err != nil {
				// Dead connection. Purge it the same way a real disconnect would,
				// and keep notifying the remaining subscribers.
				log.WithError(err).WithFields(d.LogTags).Warnf(
					"Send to client %s failed. Treating connection as dead", clientID,
				)
				_ = d.lifecycle.Close(clientID, CloseCodeAbnormal, "abnormal closure")
				continue
			}
			result.NotifiedCount++
		}
	}

	log.WithFields(d.LogTags).Debugf(
		"Invalidation matched %d keys, notified %d subscribers",
		len(result.MatchedKeys), result.NotifiedCount,
	)
	d.events.emitInvalidationDone(InvalidationDoneEvent{
		Result: result, DispatchedAt: dispatchedAt,
	})
	return result, nil
}
