// Package bus is the Subject Codec and connection wrapper the Channel
// Service, Dispatch Loop, and Subscription Registry all share to talk to
// NATS without duplicating subject string formatting.
package bus

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DeliverPrefix namespaces every per-user delivery subject so it can never
// collide with another bounded context's subject tree.
const DeliverPrefix = "group.channel.deliver"

// EncodeDeliverSubject builds the per-user delivery subject a channel
// message is published to.
func EncodeDeliverSubject(userID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", DeliverPrefix, userID.String())
}

// DeliverWildcard is the subscription pattern the Dispatch Loop binds to.
const DeliverWildcard = DeliverPrefix + ".*"

// DecodeDeliverSubject extracts the destination user id from a delivery
// subject produced by EncodeDeliverSubject.
func DecodeDeliverSubject(subject string) (uuid.UUID, error) {
	prefix := DeliverPrefix + "."
	if !strings.HasPrefix(subject, prefix) {
		return uuid.Nil, fmt.Errorf("bus: subject %q is not a delivery subject", subject)
	}
	id, err := uuid.Parse(strings.TrimPrefix(subject, prefix))
	if err != nil {
		return uuid.Nil, fmt.Errorf("bus: decode delivery subject %q: %w", subject, err)
	}
	return id, nil
}
