package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInEmissionOrder(t *testing.T) {
	bus := New[int](0, 1024, nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	_, err := bus.Subscribe("collector", func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 500 {
			close(done)
		}
	})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		bus.Publish(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestBusSubscriberLimit(t *testing.T) {
	bus := New[string](2, 0, nil)
	defer bus.Close()

	_, err := bus.Subscribe("a", func(string) {})
	require.NoError(t, err)
	_, err = bus.Subscribe("b", func(string) {})
	require.NoError(t, err)
	_, err = bus.Subscribe("c", func(string) {})
	assert.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := New[int](0, 1, nil)
	release := make(chan struct{})
	cancel, err := bus.Subscribe("slow", func(int) { <-release })
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(i)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.Positive(t, bus.Stats().Dropped["slow"])
	close(release)
	cancel()
	bus.Close()
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := New[int](0, 0, nil)
	defer bus.Close()

	got := make(chan int, 2)
	_, err := bus.Subscribe("flaky", func(v int) {
		if v == 1 {
			panic("boom")
		}
		got <- v
	})
	require.NoError(t, err)

	bus.Publish(1)
	bus.Publish(2)

	select {
	case v := <-got:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("handler stopped after panic")
	}
}
