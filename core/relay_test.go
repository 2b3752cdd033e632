package core

import (
	"context"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRelayEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	uut, err := DefineQueryInvalidationRelay("ut-relay")
	assert.Nil(err)

	subscribeEvents := []SubscribeEvent{}
	uut.OnSubscribe(func(event SubscribeEvent) {
		subscribeEvents = append(subscribeEvents, event)
	})
	unsubscribeEvents := []UnsubscribeEvent{}
	uut.OnUnsubscribe(func(event UnsubscribeEvent) {
		unsubscribeEvents = append(unsubscribeEvents, event)
	})

	// Case 0: subscribe requests from unknown clients are rejected
	_, err = uut.Subscribe("client-99", SubscriptionKey{"post"})
	assert.NotNil(err)

	// Case 1: admitted clients can subscribe
	conn1 := newMockConnection("ut-peer-1")
	decision := uut.Authorize(conn1.Metadata())
	assert.True(decision.Allowed)
	client1, err := uut.Register(conn1)
	assert.Nil(err)
	count, err := uut.Subscribe(client1, SubscriptionKey{"post", float64(12)})
	assert.Nil(err)
	assert.Equal(1, count)
	assert.Len(subscribeEvents, 1)
	assert.Equal(client1, subscribeEvents[0].ClientID)
	assert.Equal(1, subscribeEvents[0].SubscriberCount)

	// Case 2: invalidation flows through to the subscriber
	result, err := uut.Invalidate(utCtxt, SubscriptionKey{"post"}, RequestMetadata{})
	assert.Nil(err)
	assert.Equal(1, result.NotifiedCount)
	assert.Equal(1, conn1.receivedCount())

	// Case 3: stats reflect the open connection and registered key
	stats := uut.Stats()
	assert.Equal(1, stats.OpenConnections)
	assert.Equal(1, stats.ActiveKeys)

	// Case 4: unsubscribe empties the key and stops notifications
	count, err = uut.Unsubscribe(client1, SubscriptionKey{"post", float64(12)})
	assert.Nil(err)
	assert.Equal(0, count)
	assert.Len(unsubscribeEvents, 1)
	result, err = uut.Invalidate(utCtxt, SubscriptionKey{"post"}, RequestMetadata{})
	assert.Nil(err)
	assert.Equal(0, result.NotifiedCount)
	assert.Equal(1, conn1.receivedCount())

	// Case 5: close purges the client entirely
	_, err = uut.Subscribe(client1, SubscriptionKey{"user", float64(3)})
	assert.Nil(err)
	assert.Nil(uut.Close(client1, 1000, "bye"))
	stats = uut.Stats()
	assert.Equal(0, stats.OpenConnections)
	assert.Equal(0, stats.ActiveKeys)
	_, err = uut.Subscribe(client1, SubscriptionKey{"user", float64(3)})
	assert.NotNil(err)
}

func TestRelayConnectionHooks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineQueryInvalidationRelay("ut-relay-hooks")
	assert.Nil(err)

	uut.AddConnectionHook(func(meta RequestMetadata) HookDecision {
		if meta.PeerAddr == "ut-blocked" {
			return DenyDecision("peer is blocked")
		}
		return AllowDecision()
	})

	// Case 0: hook denial surfaces through Authorize
	decision := uut.Authorize(newMockConnection("ut-blocked").Metadata())
	assert.False(decision.Allowed)
	assert.Equal("peer is blocked", decision.Reason)

	// Case 1: other peers pass
	decision = uut.Authorize(newMockConnection("ut-fine").Metadata())
	assert.True(decision.Allowed)
}

// closeBeforeInsertRegistry closes the client right before the first registry insert,
// recreating a close landing between the facade's open check and the insert itself
type closeBeforeInsertRegistry struct {
	SubscriptionRegistry
	relay    QueryInvalidationRelay
	clientID string
	once     sync.Once
}

func (r *closeBeforeInsertRegistry) Subscribe(
	key SubscriptionKey, clientID string, conn Connection,
) (int, error) {
	r.once.Do(func() {
		_ = r.relay.Close(r.clientID, 1000, "closed mid subscribe")
	})
	return r.SubscriptionRegistry.Subscribe(key, clientID, conn)
}

func TestRelaySubscribeDuringClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	uut, err := DefineQueryInvalidationRelay("ut-relay-close-race")
	assert.Nil(err)
	impl, ok := uut.(*queryInvalidationRelayImpl)
	assert.True(ok)

	conn := newMockConnection("ut-peer")
	clientID, err := uut.Register(conn)
	assert.Nil(err)
	impl.registry = &closeBeforeInsertRegistry{
		SubscriptionRegistry: impl.registry, relay: uut, clientID: clientID,
	}

	// Case 0: the subscribe is rejected, not silently recorded
	_, err = uut.Subscribe(clientID, SubscriptionKey{"post", float64(12)})
	assert.NotNil(err)

	// Case 1: no orphaned registry entry survives the close
	assert.Equal(0, uut.Stats().OpenConnections)
	assert.Equal(0, impl.registry.TotalSubscriptionCount())
	result, err := uut.Invalidate(utCtxt, SubscriptionKey{"post"}, RequestMetadata{})
	assert.Nil(err)
	assert.Empty(result.MatchedKeys)
	assert.Equal(0, result.NotifiedCount)
}

func TestRelayInstanceIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	relayA, err := DefineQueryInvalidationRelay("ut-relay-a")
	assert.Nil(err)
	relayB, err := DefineQueryInvalidationRelay("ut-relay-b")
	assert.Nil(err)

	connA := newMockConnection("ut-peer-a")
	clientA, err := relayA.Register(connA)
	assert.Nil(err)
	_, err = relayA.Subscribe(clientA, SubscriptionKey{"post"})
	assert.Nil(err)

	// Case 0: invalidations on one relay never reach another relay's subscribers
	result, err := relayB.Invalidate(utCtxt, SubscriptionKey{"post"}, RequestMetadata{})
	assert.Nil(err)
	assert.Equal(0, result.NotifiedCount)
	assert.Equal(0, connA.receivedCount())
	assert.Equal(1, relayA.Stats().ActiveKeys)
}
