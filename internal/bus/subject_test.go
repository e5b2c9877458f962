package bus

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDeliverSubject_RoundTrips(t *testing.T) {
	userID := uuid.Must(uuid.NewV7())
	subject := EncodeDeliverSubject(userID)

	assert.Equal(t, DeliverPrefix+"."+userID.String(), subject)

	decoded, err := DecodeDeliverSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, userID, decoded)
}

func TestDecodeDeliverSubject_RejectsWrongPrefix(t *testing.T) {
	_, err := DecodeDeliverSubject("room.join.somebody")
	require.Error(t, err)
}

func TestDecodeDeliverSubject_RejectsMalformedID(t *testing.T) {
	_, err := DecodeDeliverSubject(DeliverPrefix + ".not-a-uuid")
	require.Error(t, err)
}
