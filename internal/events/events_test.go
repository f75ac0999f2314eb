package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	env, err := New(EventCartClearRequested, "storefront-api", "sess-1", "ORD-1", CartClearRequestedPayload{
		OrderRef:   "ORD-1",
		Collection: "artifacts/app/users/sess-1/cart",
		Reason:     "clear after confirm failed",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, Version, env.EventVersion)
	assert.Equal(t, "sess-1", env.SessionID)
	assert.False(t, env.OccurredAt.IsZero())

	p, err := Decode[CartClearRequestedPayload](env)
	require.NoError(t, err)
	assert.Equal(t, "artifacts/app/users/sess-1/cart", p.Collection)

	env.Payload = []byte(`{"order_ref":`)
	_, err = Decode[CartClearRequestedPayload](env)
	assert.Error(t, err)
}

func TestTopicFor(t *testing.T) {
	topic, ok := TopicFor(EventCheckoutConfirmed)
	assert.True(t, ok)
	assert.Equal(t, TopicCheckoutConfirmed, topic)

	topic, ok = TopicFor(EventCartClearRequested)
	assert.True(t, ok)
	assert.Equal(t, TopicCartClearRequested, topic)

	_, ok = TopicFor("OrderCreated")
	assert.False(t, ok)
}

func TestNewRejectsUnencodablePayload(t *testing.T) {
	_, err := New(EventCheckoutConfirmed, "p", "s", "", map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
