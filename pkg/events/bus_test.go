package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PreservesPerProducerOrder(t *testing.T) {
	bus := NewBus(4)

	const producers = 5
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			name := fmt.Sprintf("cmd-%d", p)
			for i := 0; i < perProducer; i++ {
				assert.True(t, bus.Publish(&OutputLine{Command: name, Text: fmt.Sprint(i)}))
			}
		}(p)
	}

	go func() {
		wg.Wait()
		bus.Close()
	}()

	next := map[string]int{}
	total := 0
	for ev := range bus.Events() {
		line, ok := ev.(*OutputLine)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(next[line.Command]), line.Text, "lines from %s out of order", line.Command)
		next[line.Command]++
		total++
	}

	assert.Equal(t, producers*perProducer, total)
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	bus.Close()

	assert.False(t, bus.Publish(&Control{Signal: ControlShutdownRequested}))
	_, open := <-bus.Events()
	assert.False(t, open)
}

func TestEvent_Attribution(t *testing.T) {
	var evs = []Event{
		&StatusChanged{Command: "a"},
		&OutputLine{Command: "b"},
		&WatchTriggered{Command: "c"},
		&Control{},
	}
	names := make([]string, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.CommandName())
	}
	assert.Equal(t, []string{"a", "b", "c", ""}, names)
}

func TestState_HasProcess(t *testing.T) {
	assert.True(t, StateRunning.HasProcess())
	assert.True(t, StateStopping.HasProcess())
	assert.False(t, StateExited.HasProcess())
	assert.False(t, StateTerminal.HasProcess())
}
