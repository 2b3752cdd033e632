package core

import (
	"encoding/json"
	"fmt"
)

// SubscriptionKey ordered sequence of opaque structurally comparable values identifying
// one query subscription. Elements are JSON-like values: strings, numbers, booleans,
// null, nested arrays, and keyed objects. A key is never mutated after creation.
type SubscriptionKey []interface{}

// CanonicalKey injective serialized form of a SubscriptionKey, usable as a map key.
//
// The encoding is the deterministic JSON rendering of the key array. JSON object keys
// are emitted in sorted order, so two keys produce the same canonical form exactly when
// they are deeply equal. Type information survives the encoding, so `["1"]` and `[1]`
// canonicalize differently.
type CanonicalKey string

// CanonicalizeKey compute the canonical serialized form of a subscription key
func CanonicalizeKey(key SubscriptionKey) (CanonicalKey, error) {
	if key == nil {
		key = SubscriptionKey{}
	}
	serialized, err := json.Marshal([]interface{}(key))
	if err != nil {
		return "", fmt.Errorf("subscription key is not canonicalizable: %s", err)
	}
	return CanonicalKey(serialized), nil
}

// ToKey recover the logical subscription key from its canonical form
func (c CanonicalKey) ToKey() (SubscriptionKey, error) {
	var key SubscriptionKey
	if err := json.Unmarshal([]byte(c), &key); err != nil {
		return nil, fmt.Errorf("canonical key does not decode: %s", err)
	}
	if key == nil {
		key = SubscriptionKey{}
	}
	return key, nil
}

// canonicalizeElements compute the canonical form of each key element separately.
// Element level deep equality is then canonical form equality.
func canonicalizeElements(key SubscriptionKey) ([]string, error) {
	result := make([]string, len(key))
	for idx, element := range key {
		serialized, err := json.Marshal(element)
		if err != nil {
			return nil, fmt.Errorf("key element %d is not canonicalizable: %s", idx, err)
		}
		result[idx] = string(serialized)
	}
	return result, nil
}

// ElementsDeepEqual structural equality between two key elements. Primitives compare
// by value, composites element-by-element / field-by-field.
func ElementsDeepEqual(a, b interface{}) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}

// ========================================================================================
// Key matching

// KeyMatches whether an invalidation key selects a subscription key.
//
// A match occurs when the two keys are deeply equal, or when the invalidation key is
// strictly shorter than the subscription key and every element deep-equals the element
// at the same index of the subscription key. An invalidation key longer than the
// subscription key never matches.
//
// An empty invalidation key is a prefix of every non-empty subscription key, and matches
// an empty subscription key exactly, so it selects every live subscription.
func KeyMatches(subscriptionKey, invalidationKey SubscriptionKey) bool {
	if len(invalidationKey) > len(subscriptionKey) {
		return false
	}
	for idx, element := range invalidationKey {
		if !ElementsDeepEqual(subscriptionKey[idx], element) {
			return false
		}
	}
	return true
}

// matchCanonicalized KeyMatches against pre-canonicalized element lists
func matchCanonicalized(subscriptionElems, invalidationElems []string) bool {
	if len(invalidationElems) > len(subscriptionElems) {
		return false
	}
	for idx, element := range invalidationElems {
		if subscriptionElems[idx] != element {
			return false
		}
	}
	return true
}
