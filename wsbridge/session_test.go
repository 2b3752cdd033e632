package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/qrelay/common"
	"github.com/alwitt/qrelay/core"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func testWebsocketConfig() common.WebsocketConfig {
	return common.WebsocketConfig{
		SendBufferLen:  16,
		ReadLimitBytes: 4096,
		WriteTimeout:   5,
	}
}

func TestWebsocketSubscriberSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	relay, err := core.DefineQueryInvalidationRelay("ut-ws-session")
	assert.Nil(err)
	uut, err := GetSessionManager(utCtxt, relay, testWebsocketConfig(), "ut-ws-session", &wg)
	assert.Nil(err)

	subscribed := make(chan core.SubscribeEvent, 4)
	relay.OnSubscribe(func(event core.SubscribeEvent) {
		subscribed <- event
	})
	disconnected := make(chan core.DisconnectEvent, 4)
	relay.OnDisconnect(func(event core.DisconnectEvent) {
		disconnected <- event
	})

	svr := httptest.NewServer(http.HandlerFunc(uut.ServeSubscribe))
	defer svr.Close()
	wsURL := "ws" + strings.TrimPrefix(svr.URL, "http")

	// Case 0: dial and subscribe
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	assert.Nil(client.WriteJSON(ClientPacket{
		Type: PacketTypeSubscription,
		Key:  &core.SubscriptionKey{"post", float64(12)},
	}))
	select {
	case event := <-subscribed:
		assert.Equal(core.SubscriptionKey{"post", float64(12)}, event.Key)
		assert.Equal(1, event.SubscriberCount)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for subscribe")
	}

	// Case 1: invalidation reaches the websocket peer
	result, err := relay.Invalidate(
		utCtxt, core.SubscriptionKey{"post"}, core.RequestMetadata{},
	)
	assert.Nil(err)
	assert.Equal(1, result.NotifiedCount)
	assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second)))
	var notice core.InvalidationNotice
	_, payload, err := client.ReadMessage()
	assert.Nil(err)
	assert.Nil(json.Unmarshal(payload, &notice))
	assert.Equal("invalidation", notice.Type)
	assert.Equal(core.SubscriptionKey{"post"}, notice.Key)

	// Case 2: malformed traffic is dropped without ending the session
	assert.Nil(client.WriteMessage(websocket.TextMessage, []byte("not json")))
	result, err = relay.Invalidate(
		utCtxt, core.SubscriptionKey{"post"}, core.RequestMetadata{},
	)
	assert.Nil(err)
	assert.Equal(1, result.NotifiedCount)
	assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = client.ReadMessage()
	assert.Nil(err)

	// Case 3: client close purges the relay side
	assert.Nil(client.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
	))
	assert.Nil(client.Close())
	select {
	case event := <-disconnected:
		assert.Equal(websocket.CloseNormalClosure, event.Code)
		assert.Equal([]core.SubscriptionKey{{"post", float64(12)}}, event.RemovedKeys)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for disconnect")
	}
	assert.Equal(0, relay.Stats().OpenConnections)
	assert.Equal(0, relay.Stats().ActiveKeys)
}

func TestWebsocketConnectionDenied(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	relay, err := core.DefineQueryInvalidationRelay("ut-ws-denied")
	assert.Nil(err)
	relay.AddConnectionHook(func(meta core.RequestMetadata) core.HookDecision {
		if meta.Headers.Get("X-Ut-Secret") != "open-sesame" {
			return core.DenyDecision("missing credential")
		}
		return core.AllowDecision()
	})
	uut, err := GetSessionManager(utCtxt, relay, testWebsocketConfig(), "ut-ws-denied", &wg)
	assert.Nil(err)

	svr := httptest.NewServer(http.HandlerFunc(uut.ServeSubscribe))
	defer svr.Close()
	wsURL := "ws" + strings.TrimPrefix(svr.URL, "http")

	// Case 0: handshake rejected before the upgrade completes
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NotNil(err)
	assert.NotNil(resp)
	assert.Equal(http.StatusForbidden, resp.StatusCode)
	assert.Equal(0, relay.Stats().OpenConnections)

	// Case 1: handshake passes with the credential
	header := http.Header{}
	header.Set("X-Ut-Secret", "open-sesame")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.Nil(err)
	assert.Eventually(func() bool {
		return relay.Stats().OpenConnections == 1
	}, time.Second, time.Millisecond*10)
	assert.Nil(client.Close())
}
