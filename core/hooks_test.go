package core

import (
	"net/http"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestConnectionHookChain(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineHookChains("ut-conn-hooks")
	assert.Nil(err)

	meta := RequestMetadata{Headers: http.Header{}, PeerAddr: "127.0.0.1:4000"}

	// Case 0: no hooks registered defaults to allow
	assert.True(uut.CheckConnection(meta).Allowed)

	// Case 1: an allowing hook does not end the chain
	callOrder := []string{}
	uut.AddConnectionHook(func(m RequestMetadata) HookDecision {
		callOrder = append(callOrder, "first")
		return AllowDecision()
	})
	uut.AddConnectionHook(func(m RequestMetadata) HookDecision {
		callOrder = append(callOrder, "second")
		return AllowDecision()
	})
	assert.True(uut.CheckConnection(meta).Allowed)
	assert.Equal([]string{"first", "second"}, callOrder)

	// Case 2: a denial is terminal and short-circuits later hooks
	uut2, err := DefineHookChains("ut-conn-hooks-deny")
	assert.Nil(err)
	secondRan := false
	uut2.AddConnectionHook(func(m RequestMetadata) HookDecision {
		return DenyDecision("no entry")
	})
	uut2.AddConnectionHook(func(m RequestMetadata) HookDecision {
		secondRan = true
		return AllowDecision()
	})
	decision := uut2.CheckConnection(meta)
	assert.False(decision.Allowed)
	assert.Equal("no entry", decision.Reason)
	assert.False(secondRan)
}

func TestInvalidationHookChain(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := DefineHookChains("ut-inv-hooks")
	assert.Nil(err)

	check := InvalidationCheck{
		Key:                SubscriptionKey{"post", float64(12)},
		MatchedKeys:        []SubscriptionKey{{"post", float64(12), "comments"}},
		TotalSubscriptions: 3,
	}

	// Case 0: default allow
	assert.True(uut.CheckInvalidation(check).Allowed)

	// Case 1: hooks observe the full check context
	var seen InvalidationCheck
	uut.AddInvalidationHook(func(c InvalidationCheck) HookDecision {
		seen = c
		return AllowDecision()
	})
	assert.True(uut.CheckInvalidation(check).Allowed)
	assert.Equal(check.Key, seen.Key)
	assert.Equal(check.MatchedKeys, seen.MatchedKeys)
	assert.Equal(3, seen.TotalSubscriptions)

	// Case 2: first denial wins
	uut.AddInvalidationHook(func(c InvalidationCheck) HookDecision {
		return DenyDecision("rate limited")
	})
	thirdRan := false
	uut.AddInvalidationHook(func(c InvalidationCheck) HookDecision {
		thirdRan = true
		return AllowDecision()
	})
	decision := uut.CheckInvalidation(check)
	assert.False(decision.Allowed)
	assert.Equal("rate limited", decision.Reason)
	assert.False(thirdRan)
}
