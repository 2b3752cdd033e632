package core

import (
	"sync"

	"github.com/alwitt/qrelay/common"
	"github.com/apex/log"
)

// HookDecision outcome of one authorization hook: allow, or deny with an optional
// human readable reason. Denial is a normal expected outcome, never an error.
type HookDecision struct {
	// Allowed whether the guarded action may proceed
	Allowed bool
	// Reason optional human readable explanation for a denial
	Reason string
}

// AllowDecision hook decision permitting the action
func AllowDecision() HookDecision {
	return HookDecision{Allowed: true}
}

// DenyDecision hook decision rejecting the action
func DenyDecision(reason string) HookDecision {
	return HookDecision{Allowed: false, Reason: reason}
}

// ConnectionHook policy callback evaluated before a new connection is admitted, and
// before any subscription state exists for it
type ConnectionHook func(meta RequestMetadata) HookDecision

// InvalidationCheck everything a before-invalidation hook may inspect before the
// dispatch is permitted
type InvalidationCheck struct {
	// Key the requested invalidation key
	Key SubscriptionKey
	// MatchedKeys the subscription keys the request selected
	MatchedKeys []SubscriptionKey
	// TotalSubscriptions distinct keys registered when the request arrived
	TotalSubscriptions int
	// Metadata request metadata accompanying the invalidation request
	Metadata RequestMetadata
}

// InvalidationHook policy callback evaluated before an invalidation dispatch sends
// any notification
type InvalidationHook func(check InvalidationCheck) HookDecision

// ========================================================================================

// HookChains the two extensible authorization hook chains of the relay. Hooks run in
// registration order; the first denial short-circuits the chain. With no hooks
// registered both chains default to allow.
type HookChains interface {
	// AddConnectionHook append a before-connection hook
	AddConnectionHook(hook ConnectionHook)
	// AddInvalidationHook append a before-invalidation hook
	AddInvalidationHook(hook InvalidationHook)
	// CheckConnection evaluate the before-connection chain
	CheckConnection(meta RequestMetadata) HookDecision
	// CheckInvalidation evaluate the before-invalidation chain
	CheckInvalidation(check InvalidationCheck) HookDecision
}

// hookChainsImpl implements HookChains
type hookChainsImpl struct {
	common.Component
	lock              sync.Mutex
	connectionHooks   []ConnectionHook
	invalidationHooks []InvalidationHook
}

// DefineHookChains create new authorization hook chains
func DefineHookChains(instance string) (HookChains, error) {
	logTags := log.Fields{
		"module": "core", "component": "auth-hooks", "instance": instance,
	}
	return &hookChainsImpl{
		Component:         common.Component{LogTags: logTags},
		connectionHooks:   []ConnectionHook{},
		invalidationHooks: []InvalidationHook{},
	}, nil
}

// AddConnectionHook append a before-connection hook
func (h *hookChainsImpl) AddConnectionHook(hook ConnectionHook) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.connectionHooks = append(h.connectionHooks, hook)
}

// AddInvalidationHook append a before-invalidation hook
func (h *hookChainsImpl) AddInvalidationHook(hook InvalidationHook) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.invalidationHooks = append(h.invalidationHooks, hook)
}

// CheckConnection evaluate the before-connection chain
func (h *hookChainsImpl) CheckConnection(meta RequestMetadata) HookDecision {
	h.lock.Lock()
	hooks := make([]ConnectionHook, len(h.connectionHooks))
	copy(hooks, h.connectionHooks)
	h.lock.Unlock()

	for idx, hook := range hooks {
		if decision := hook(meta); !decision.Allowed {
			log.WithFields(h.LogTags).Infof(
				"Connection from %s denied by hook %d: %s",
				meta.PeerAddr, idx, decision.Reason,
			)
			return decision
		}
	}
	return AllowDecision()
}

// CheckInvalidation evaluate the before-invalidation chain
func (h *hookChainsImpl) CheckInvalidation(check InvalidationCheck) HookDecision {
	h.lock.Lock()
	hooks := make([]InvalidationHook, len(h.invalidationHooks))
	copy(hooks, h.invalidationHooks)
	h.lock.Unlock()

	for idx, hook := range hooks {
		if decision := hook(check); !decision.Allowed {
			log.WithFields(h.LogTags).Infof(
				"Invalidation denied by hook %d: %s", idx, decision.Reason,
			)
			return decision
		}
	}
	return AllowDecision()
}
