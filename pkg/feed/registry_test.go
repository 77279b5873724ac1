package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/events"
)

func TestDeclarationSignatureIgnoresOrderAndDuplicates(t *testing.T) {
	a := Declaration{KindMessages: {"c1", "c2"}, KindConversationList: {"acct"}}
	b := Declaration{KindConversationList: {"acct"}, KindMessages: {"c2", "c1", "c1"}}
	c := Declaration{KindMessages: {"c1"}, KindConversationList: {"acct"}}

	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), c.Signature())
	assert.Len(t, b.Topics(), 3)
}

func TestReconcileIsDiffBased(t *testing.T) {
	h := NewHub(8)
	r := NewRegistry(HubOpener(h), 8)
	defer r.Close()
	ctx := context.Background()

	changed, err := r.Reconcile(ctx, Declaration{KindMessages: {"c1"}, KindWhiteboard: {"c1"}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, h.Subscribers(MessagesTopic("c1")))

	changed, err = r.Reconcile(ctx, Declaration{KindWhiteboard: {"c1"}, KindMessages: {"c1"}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, h.Subscribers(MessagesTopic("c1")), "no duplicate subscription")

	_, err = r.Reconcile(ctx, Declaration{KindMessages: {"c2"}, KindWhiteboard: {"c1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Subscribers(MessagesTopic("c1")))
	assert.Equal(t, 1, h.Subscribers(MessagesTopic("c2")))
	assert.Equal(t, []Topic{MessagesTopic("c2"), WhiteboardTopic("c1")}, r.Topics())
}

func TestRegistryMergesDeliveries(t *testing.T) {
	h := NewHub(8)
	r := NewRegistry(HubOpener(h), 8)
	defer r.Close()

	_, err := r.Reconcile(context.Background(), Declaration{KindMessages: {"c1"}, KindWhiteboard: {"c1"}})
	require.NoError(t, err)
	require.NoError(t, h.Publish(MessagesTopic("c1"), events.End{MessageID: "m1"}))
	require.NoError(t, h.Publish(MessagesTopic("c9"), events.End{MessageID: "m9"}))

	select {
	case d := <-r.Deliveries():
		assert.Equal(t, MessagesTopic("c1"), d.Topic)
		assert.Equal(t, "m1", events.MessageID(d.Event))
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestFailedSubscribeIsRetried(t *testing.T) {
	h := NewHub(8)
	var mu sync.Mutex
	fail := true
	open := func(ctx context.Context, tp Topic) (*Subscription, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail && tp.Kind == KindWhiteboard {
			return nil, errors.New("transport unavailable")
		}
		return h.Subscribe(tp)
	}
	r := NewRegistry(open, 8)
	defer r.Close()
	decl := Declaration{KindMessages: {"c1"}, KindWhiteboard: {"c1"}}

	_, err := r.Reconcile(context.Background(), decl)
	assert.Error(t, err)
	assert.Equal(t, []Topic{MessagesTopic("c1")}, r.Topics())
	assert.Equal(t, []Topic{WhiteboardTopic("c1")}, r.Pending())

	mu.Lock()
	fail = false
	mu.Unlock()

	// same signature still reconciles while something is pending
	changed, err := r.Reconcile(context.Background(), decl)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, r.Pending())
	assert.Equal(t, 1, h.Subscribers(WhiteboardTopic("c1")))
}

func TestRegistryCloseIsSilent(t *testing.T) {
	h := NewHub(8)
	r := NewRegistry(HubOpener(h), 8)
	_, err := r.Reconcile(context.Background(), Declaration{KindMessages: {"c1"}})
	require.NoError(t, err)

	r.Close()
	assert.NotPanics(t, r.Close)
	assert.Equal(t, 0, h.Subscribers(MessagesTopic("c1")))
	_, ok := <-r.Deliveries()
	assert.False(t, ok)
}
