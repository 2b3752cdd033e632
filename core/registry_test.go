package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// mockConnection test subscriber connection recording delivered payloads
type mockConnection struct {
	lock     sync.Mutex
	peerAddr string
	failSend bool
	received [][]byte
}

func newMockConnection(peerAddr string) *mockConnection {
	return &mockConnection{peerAddr: peerAddr}
}

func (c *mockConnection) SendBytes(ctxt context.Context, payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failSend {
		return fmt.Errorf("connection gone")
	}
	c.received = append(c.received, payload)
	return nil
}

func (c *mockConnection) Metadata() RequestMetadata {
	return RequestMetadata{Headers: http.Header{}, PeerAddr: c.peerAddr}
}

func (c *mockConnection) receivedCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.received)
}

func TestSubscriptionRegistryBasicOperation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSubscriptionRegistry("ut-registry-basic")
	assert.Nil(err)

	conn1 := newMockConnection("ut-peer-1")
	conn2 := newMockConnection("ut-peer-2")
	key1 := SubscriptionKey{"post", float64(12)}
	key2 := SubscriptionKey{"post", float64(12), "comments"}

	// Case 0: empty registry
	assert.Equal(0, uut.TotalSubscriptionCount())
	matched, err := uut.MatchingKeys(SubscriptionKey{"post"})
	assert.Nil(err)
	assert.Empty(matched)

	// Case 1: first subscription
	count, err := uut.Subscribe(key1, "client-1", conn1)
	assert.Nil(err)
	assert.Equal(1, count)
	assert.Equal(1, uut.TotalSubscriptionCount())

	// Case 2: second subscriber on the same key
	count, err = uut.Subscribe(key1, "client-2", conn2)
	assert.Nil(err)
	assert.Equal(2, count)
	assert.Equal(1, uut.TotalSubscriptionCount())

	// Case 3: re-subscribing is a no-op
	count, err = uut.Subscribe(key1, "client-1", conn1)
	assert.Nil(err)
	assert.Equal(2, count)

	// Case 4: separate key tracked separately
	count, err = uut.Subscribe(key2, "client-1", conn1)
	assert.Nil(err)
	assert.Equal(1, count)
	assert.Equal(2, uut.TotalSubscriptionCount())

	// Case 5: subscriber snapshot
	subscribers := uut.SubscribersOf(key1)
	assert.Len(subscribers, 2)
	assert.Contains(subscribers, "client-1")
	assert.Contains(subscribers, "client-2")

	// Case 6: unsubscribe one client
	count, err = uut.Unsubscribe(key1, "client-1")
	assert.Nil(err)
	assert.Equal(1, count)

	// Case 7: unsubscribing an unknown pair is a no-op
	count, err = uut.Unsubscribe(key1, "client-99")
	assert.Nil(err)
	assert.Equal(1, count)
	count, err = uut.Unsubscribe(SubscriptionKey{"never", "seen"}, "client-1")
	assert.Nil(err)
	assert.Equal(0, count)

	// Case 8: last unsubscribe garbage collects the key
	count, err = uut.Unsubscribe(key1, "client-2")
	assert.Nil(err)
	assert.Equal(0, count)
	assert.Equal(1, uut.TotalSubscriptionCount())
	matched, err = uut.MatchingKeys(SubscriptionKey{"post", float64(12)})
	assert.Nil(err)
	assert.Equal([]SubscriptionKey{key2}, matched)
}

func TestSubscriptionRegistryMatchScan(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSubscriptionRegistry("ut-registry-scan")
	assert.Nil(err)

	conn := newMockConnection("ut-peer")
	keys := []SubscriptionKey{
		{"post", float64(12)},
		{"post", float64(12), "comments"},
		{"post"},
		{"user", float64(3)},
	}
	for _, key := range keys {
		_, err := uut.Subscribe(key, "client-1", conn)
		assert.Nil(err)
	}

	// Case 0: exact plus prefix matches, in registration order
	matched, err := uut.MatchingKeys(SubscriptionKey{"post", float64(12)})
	assert.Nil(err)
	assert.Equal([]SubscriptionKey{keys[0], keys[1]}, matched)

	// Case 1: shorter subscription keys do not match a longer invalidation key
	matched, err = uut.MatchingKeys(SubscriptionKey{"post", float64(12), "comments", "x"})
	assert.Nil(err)
	assert.Empty(matched)

	// Case 2: top level prefix
	matched, err = uut.MatchingKeys(SubscriptionKey{"post"})
	assert.Nil(err)
	assert.Equal([]SubscriptionKey{keys[0], keys[1], keys[2]}, matched)

	// Case 3: empty invalidation key selects everything
	matched, err = uut.MatchingKeys(SubscriptionKey{})
	assert.Nil(err)
	assert.Len(matched, 4)
}

func TestSubscriptionRegistryPurge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineSubscriptionRegistry("ut-registry-purge")
	assert.Nil(err)

	conn1 := newMockConnection("ut-peer-1")
	conn2 := newMockConnection("ut-peer-2")
	key1 := SubscriptionKey{"post", float64(1)}
	key2 := SubscriptionKey{"post", float64(2)}
	key3 := SubscriptionKey{"user", float64(9)}

	_, err = uut.Subscribe(key1, "client-1", conn1)
	assert.Nil(err)
	_, err = uut.Subscribe(key2, "client-1", conn1)
	assert.Nil(err)
	_, err = uut.Subscribe(key3, "client-1", conn1)
	assert.Nil(err)
	_, err = uut.Subscribe(key2, "client-2", conn2)
	assert.Nil(err)

	// Case 0: purge removes keys in subscription order
	removed := uut.PurgeConnection("client-1")
	assert.Equal([]SubscriptionKey{key1, key2, key3}, removed)

	// Case 1: shared key survives with its other subscriber
	assert.Equal(1, uut.TotalSubscriptionCount())
	subscribers := uut.SubscribersOf(key2)
	assert.Len(subscribers, 1)
	assert.Contains(subscribers, "client-2")

	// Case 2: purged keys no longer surface in a scan
	matched, err := uut.MatchingKeys(SubscriptionKey{"user"})
	assert.Nil(err)
	assert.Empty(matched)

	// Case 3: purge is idempotent
	removed = uut.PurgeConnection("client-1")
	assert.Empty(removed)
	assert.Equal(1, uut.TotalSubscriptionCount())

	// Case 4: purging an unknown client is a no-op
	removed = uut.PurgeConnection("client-404")
	assert.Empty(removed)
}
