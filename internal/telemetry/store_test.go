package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	tags []Tag
}

func (p *recordingPublisher) Publish(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = append(p.tags, tag)
}

func TestUpdateIsLastWriterWins(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub)

	store.Update("relay1/Status/Status", "Starting")
	store.Update("relay1/Status/Status", "Running")

	tag, ok := store.Get("relay1/Status/Status")
	require.True(t, ok)
	assert.Equal(t, "Running", tag.Value)
	assert.Len(t, pub.tags, 2)
	assert.Equal(t, "Running", pub.tags[1].Value)
}

func TestSnapshotFiltersByPrefix(t *testing.T) {
	store := NewStore()
	store.Update("relay1/EventStatus/LastRecord", uint32(7))
	store.Update("relay1/Status/Status", "Running")
	store.Update("relay10/Status/Status", "Faulted")

	tags := store.Snapshot("relay1")
	require.Len(t, tags, 2)
	assert.Equal(t, "relay1/EventStatus/LastRecord", tags[0].Path)
	assert.Equal(t, "relay1/Status/Status", tags[1].Path)

	assert.Len(t, store.Snapshot(""), 3)
}

func TestScopedPrefixesPaths(t *testing.T) {
	store := NewStore()
	sink := store.Scoped("relay1/")
	sink.Update(PathLastEventSequence, uint32(42))
	sink.Update(ChannelPath("07", "Value"), int64(3))

	tag, ok := store.Get("relay1/LastEvent/SequenceNumber")
	require.True(t, ok)
	assert.Equal(t, uint32(42), tag.Value)

	_, ok = store.Get("relay1/Channels/Channel07/Value")
	assert.True(t, ok)
}

func TestSubscribeReceivesUpdatesUntilCancelled(t *testing.T) {
	store := NewStore()
	ch, cancel := store.Subscribe(4)

	store.Update("relay1/Status/Status", "Running")
	select {
	case tag := <-ch:
		assert.Equal(t, "relay1/Status/Status", tag.Path)
	case <-time.After(time.Second):
		t.Fatal("expected tag update")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	store.Update("relay1/Status/Status", "Faulted")
}

func TestSlowSubscriberDoesNotBlockWriter(t *testing.T) {
	store := NewStore()
	_, cancel := store.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			store.Update("relay1/Status/Status", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer blocked on subscriber")
	}
}

func TestDeleteRemovesDeviceTree(t *testing.T) {
	store := NewStore()
	store.Update("relay1/Status/Status", "Running")
	store.Update("relay1/LastEvent/Channel", 3)
	store.Update("relay2/Status/Status", "Running")

	assert.Equal(t, 2, store.Delete("relay1"))
	assert.Empty(t, store.Snapshot("relay1"))
	assert.Len(t, store.Snapshot("relay2"), 1)
}
