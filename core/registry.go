package core

import (
	"sync"

	"github.com/alwitt/qrelay/common"
	"github.com/apex/log"
)

// SubscriptionRegistry tracks the mapping between subscription keys and subscriber
// connections, together with the reverse mapping from a connection to the keys it
// holds. All operations are safe for concurrent use, and are defensive no-ops when
// given unknown key / client pairs.
type SubscriptionRegistry interface {
	// Subscribe add a client to a key's subscriber set. Returns the subscriber count
	// for the key after the addition.
	Subscribe(key SubscriptionKey, clientID string, conn Connection) (int, error)
	// Unsubscribe remove a client from a key's subscriber set. Returns the remaining
	// subscriber count for the key, zero if the key is no longer registered. A client
	// that was never subscribed to a registered key is a no-op returning the key's
	// current count.
	Unsubscribe(key SubscriptionKey, clientID string) (int, error)
	// PurgeConnection remove every subscription held by a client. Returns the removed
	// keys in the order the client subscribed to them. Purging an unknown client
	// returns an empty list.
	PurgeConnection(clientID string) []SubscriptionKey
	// MatchingKeys scan all registered keys and return those the invalidation key
	// selects, in key registration order.
	MatchingKeys(invalidationKey SubscriptionKey) ([]SubscriptionKey, error)
	// SubscribersOf snapshot the subscriber set of a key
	SubscribersOf(key SubscriptionKey) map[string]Connection
	// TotalSubscriptionCount number of distinct keys currently registered
	TotalSubscriptionCount() int
}

// keyEntry book keeping for one registered subscription key
type keyEntry struct {
	key            SubscriptionKey
	canonicalElems []string
	subscribers    map[string]Connection
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	lock sync.Mutex
	// forward index: canonical key ==> subscriber set
	entries map[CanonicalKey]*keyEntry
	// key registration order, for deterministic scans
	entryOrder []CanonicalKey
	// reverse index: client ID ==> keys held, in subscription order
	byClient map[string][]CanonicalKey
}

// DefineSubscriptionRegistry create new subscription registry
func DefineSubscriptionRegistry(instance string) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "core", "component": "subscription-registry", "instance": instance,
	}
	return &subscriptionRegistryImpl{
		Component:  common.Component{LogTags: logTags},
		entries:    make(map[CanonicalKey]*keyEntry),
		entryOrder: []CanonicalKey{},
		byClient:   make(map[string][]CanonicalKey),
	}, nil
}

// Subscribe add a client to a key's subscriber set
func (r *subscriptionRegistryImpl) Subscribe(
	key SubscriptionKey, clientID string, conn Connection,
) (int, error) {
	canonical, err := CanonicalizeKey(key)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Client %s subscribe with bad key", clientID,
		)
		return 0, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.entries[canonical]
	if !ok {
		elems, err := canonicalizeElements(key)
		if err != nil {
			return 0, err
		}
		entry = &keyEntry{
			key:            append(SubscriptionKey{}, key...),
			canonicalElems: elems,
			subscribers:    make(map[string]Connection),
		}
		r.entries[canonical] = entry
		r.entryOrder = append(r.entryOrder, canonical)
	}
	if _, present := entry.subscribers[clientID]; !present {
		entry.subscribers[clientID] = conn
		r.byClient[clientID] = append(r.byClient[clientID], canonical)
	}
	log.WithFields(r.LogTags).Debugf(
		"Client %s subscribed to %s. Key now has %d subscribers",
		clientID, canonical, len(entry.subscribers),
	)
	return len(entry.subscribers), nil
}

// Unsubscribe remove a client from a key's subscriber set
func (r *subscriptionRegistryImpl) Unsubscribe(
	key SubscriptionKey, clientID string,
) (int, error) {
	canonical, err := CanonicalizeKey(key)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Client %s unsubscribe with bad key", clientID,
		)
		return 0, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	entry, ok := r.entries[canonical]
	if !ok {
		return 0, nil
	}
	if _, present := entry.subscribers[clientID]; !present {
		return len(entry.subscribers), nil
	}
	delete(entry.subscribers, clientID)
	r.byClient[clientID] = withoutCanonicalKey(r.byClient[clientID], canonical)
	if len(r.byClient[clientID]) == 0 {
		delete(r.byClient, clientID)
	}
	remaining := len(entry.subscribers)
	if remaining == 0 {
		r.dropEntry(canonical)
	}
	log.WithFields(r.LogTags).Debugf(
		"Client %s unsubscribed from %s. Key now has %d subscribers",
		clientID, canonical, remaining,
	)
	return remaining, nil
}

// PurgeConnection remove every subscription held by a client
func (r *subscriptionRegistryImpl) PurgeConnection(clientID string) []SubscriptionKey {
	r.lock.Lock()
	defer r.lock.Unlock()

	held, ok := r.byClient[clientID]
	if !ok {
		return []SubscriptionKey{}
	}
	removed := make([]SubscriptionKey, 0, len(held))
	for _, canonical := range held {
		entry, present := r.entries[canonical]
		if !present {
			continue
		}
		delete(entry.subscribers, clientID)
		removed = append(removed, entry.key)
		if len(entry.subscribers) == 0 {
			r.dropEntry(canonical)
		}
	}
	delete(r.byClient, clientID)
	log.WithFields(r.LogTags).Debugf(
		"Purged client %s. Removed %d subscriptions", clientID, len(removed),
	)
	return removed
}

// MatchingKeys scan all registered keys for matches against an invalidation key
func (r *subscriptionRegistryImpl) MatchingKeys(
	invalidationKey SubscriptionKey,
) ([]SubscriptionKey, error) {
	invalidationElems, err := canonicalizeElements(invalidationKey)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Match scan with bad key")
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	matched := []SubscriptionKey{}
	for _, canonical := range r.entryOrder {
		entry := r.entries[canonical]
		if matchCanonicalized(entry.canonicalElems, invalidationElems) {
			matched = append(matched, entry.key)
		}
	}
	return matched, nil
}

// SubscribersOf snapshot the subscriber set of a key
func (r *subscriptionRegistryImpl) SubscribersOf(key SubscriptionKey) map[string]Connection {
	canonical, err := CanonicalizeKey(key)
	if err != nil {
		return map[string]Connection{}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	snapshot := map[string]Connection{}
	if entry, ok := r.entries[canonical]; ok {
		for clientID, conn := range entry.subscribers {
			snapshot[clientID] = conn
		}
	}
	return snapshot
}

// TotalSubscriptionCount number of distinct keys currently registered
func (r *subscriptionRegistryImpl) TotalSubscriptionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

// dropEntry remove a key entry which no longer has subscribers. Caller holds the lock.
func (r *subscriptionRegistryImpl) dropEntry(canonical CanonicalKey) {
	delete(r.entries, canonical)
	for idx, existing := range r.entryOrder {
		if existing == canonical {
			r.entryOrder = append(r.entryOrder[:idx], r.entryOrder[idx+1:]...)
			break
		}
	}
}

// withoutCanonicalKey remove one canonical key from a list, preserving order
func withoutCanonicalKey(keys []CanonicalKey, target CanonicalKey) []CanonicalKey {
	result := make([]CanonicalKey, 0, len(keys))
	for _, key := range keys {
		if key != target {
			result = append(result, key)
		}
	}
	return result
}
