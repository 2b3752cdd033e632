package wsbridge

import (
	"encoding/json"
	"fmt"

	"github.com/alwitt/qrelay/core"
	"github.com/go-playground/validator/v10"
)

// PacketTypeSubscription inbound packet requesting a subscription
const PacketTypeSubscription = "subscription"

// PacketTypeUnsubscription inbound packet releasing a subscription
const PacketTypeUnsubscription = "unsubscription"

// ClientPacket one structured inbound message from a subscriber connection.
//
// The key must be present but may be empty; an absent key field fails validation.
type ClientPacket struct {
	// Type the packet type
	Type string `json:"type" validate:"required,oneof=subscription unsubscription"`
	// Key the subscription key the packet refers to
	Key *core.SubscriptionKey `json:"key" validate:"required"`
}

// ParseClientPacket decode and validate one inbound message
func ParseClientPacket(
	payload []byte, validate *validator.Validate,
) (ClientPacket, error) {
	var packet ClientPacket
	if err := json.Unmarshal(payload, &packet); err != nil {
		return ClientPacket{}, fmt.Errorf("inbound message is not valid JSON: %s", err)
	}
	if err := validate.Struct(&packet); err != nil {
		return ClientPacket{}, err
	}
	return packet, nil
}

// SubscriptionKey the packet's key as a subscription key value
func (p ClientPacket) SubscriptionKey() core.SubscriptionKey {
	if p.Key == nil {
		return core.SubscriptionKey{}
	}
	return *p.Key
}
