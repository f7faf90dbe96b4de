package events

import (
	"testing"

	"github.com/pbaille/jobfiltr/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	assert.NotPanics(t, func() {
		b.Publish(domain.Notification{Feature: "x"})
	})
}

func TestSubscribersReceiveNotifications(t *testing.T) {
	b := NewBus()
	first, cancelFirst := b.Subscribe(4)
	second, cancelSecond := b.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	n := domain.Notification{Feature: "enableJobAgeBadges", Reason: "markup changed"}
	b.Publish(n)

	assert.Equal(t, n, <-first)
	assert.Equal(t, n, <-second)
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(domain.Notification{Feature: "a"})
	b.Publish(domain.Notification{Feature: "b"})

	assert.Equal(t, "a", (<-ch).Feature)
	assert.Equal(t, 1, b.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)

	b.Publish(domain.Notification{Feature: "after"})
	assert.Equal(t, 0, b.Dropped())
}
