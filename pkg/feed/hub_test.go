package feed

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/pkg/events"
)

func chunk(id string, seq uint64, s string) events.StreamingUpdate {
	return events.StreamingUpdate{MessageID: id, Seq: seq, Chunk: s}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	h := NewHub(8)
	topic := MessagesTopic("c1")
	a, err := h.Subscribe(topic)
	require.NoError(t, err)
	b, err := h.Subscribe(topic)
	require.NoError(t, err)
	other, err := h.Subscribe(MessagesTopic("c2"))
	require.NoError(t, err)

	require.NoError(t, h.Publish(topic, chunk("m1", 1, "Hi")))

	for _, s := range []*Subscription{a, b} {
		d := <-s.C()
		assert.Equal(t, topic, d.Topic)
		assert.Equal(t, chunk("m1", 1, "Hi"), d.Event)
		assert.Contains(t, string(d.Payload), `"streaming_update"`)
	}
	select {
	case d := <-other.C():
		t.Fatalf("unexpected delivery on other topic: %v", d)
	default:
	}
}

func TestPublishPreservesPerTopicOrder(t *testing.T) {
	h := NewHub(1024)
	topic := MessagesTopic("c1")
	s, err := h.Subscribe(topic)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", p)
			for i := 1; i <= 50; i++ {
				_ = h.Publish(topic, chunk(id, uint64(i), "x"))
			}
		}(p)
	}
	wg.Wait()

	last := map[string]uint64{}
	for i := 0; i < 200; i++ {
		d := <-s.C()
		u := d.Event.(events.StreamingUpdate)
		assert.Equal(t, last[u.MessageID]+1, u.Seq, "message %s out of order", u.MessageID)
		last[u.MessageID] = u.Seq
	}
}

func TestSlowSubscriberIsFlaggedNotBlocking(t *testing.T) {
	h := NewHub(2)
	topic := ConversationTopic("c1")
	s, err := h.Subscribe(topic)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			_ = h.Publish(topic, chunk("m", uint64(i), "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.True(t, s.TakeLagged())
	assert.False(t, s.TakeLagged())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(1)
	topic := WhiteboardTopic("c1")
	s, err := h.Subscribe(topic)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers(topic))

	s.Close()
	assert.NotPanics(t, s.Close)
	assert.Equal(t, 0, h.Subscribers(topic))
	assert.NoError(t, h.Publish(topic, events.PipelineError{Message: "x"}))

	_, ok := <-s.C()
	assert.False(t, ok)
}

func TestHubCloseRejectsNewWork(t *testing.T) {
	h := NewHub(1)
	s, err := h.Subscribe(MessagesTopic("c1"))
	require.NoError(t, err)
	h.Close()
	h.Close()

	_, ok := <-s.C()
	assert.False(t, ok)
	_, err = h.Subscribe(MessagesTopic("c1"))
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, h.Publish(MessagesTopic("c1"), events.PipelineError{}), ErrHubClosed)
}

func TestParseTopic(t *testing.T) {
	tp, err := ParseTopic("messages:c1")
	require.NoError(t, err)
	assert.Equal(t, MessagesTopic("c1"), tp)

	_, err = ParseTopic("nonsense:c1")
	assert.Error(t, err)
	_, err = ParseTopic("messages")
	assert.Error(t, err)
}
