package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourline/migration-guard/internal/models"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func TestHubBroadcastsNotifications(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	good := &fakeSubscriber{}
	bad := &fakeSubscriber{fail: true}
	hub.Register(good)
	hub.Register(bad)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Notify(models.Notification{
		Message:      "Tracking temporarily reverted to the standard system: test",
		Severity:     models.NotifyWarning,
		DismissAfter: 10 * time.Second,
	})

	require.Eventually(t, func() bool { return good.received() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	var decoded models.Notification
	good.mu.Lock()
	require.NoError(t, json.Unmarshal(good.payloads[0], &decoded))
	good.mu.Unlock()
	require.Equal(t, models.NotifyWarning, decoded.Severity)
	require.Len(t, hub.Recent(), 1)
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	sub := &fakeSubscriber{}
	hub.Register(sub)
	hub.Close()
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	}, time.Second, 5*time.Millisecond)

	require.NotPanics(t, func() { hub.Notify(models.Notification{Message: "late"}) })
}
