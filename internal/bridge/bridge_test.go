package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{
		"START": CommandStart,
		"stop":  CommandStop,
		" Sync": CommandSync,
	}
	for raw, want := range cases {
		got, err := ParseCommand(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseCommand("PAUSE")
	assert.Error(t, err)
}

func TestStatusRoundTripsThroughString(t *testing.T) {
	for s := StatusChecking; s <= StatusCleared; s++ {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("paused")
	assert.Error(t, err)
}

func TestEventWireFormat(t *testing.T) {
	raw, err := json.Marshal(Downloading(0, 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","status":"downloading","data":{"current":0,"total":1,"message":"Downloading..."}}`, string(raw))

	raw, err = json.Marshal(Event{Status: StatusCleaning})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","status":"cleaning"}`, string(raw))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"type":"progress","status":"cleared"}`), &ev))
	assert.Equal(t, StatusCleared, ev.Status)
	assert.Nil(t, ev.Data)
}

func TestSendNeverBlocks(t *testing.T) {
	b := New()
	accepted := 0
	for i := 0; i < defaultCommandBuffer+5; i++ {
		if b.Send(CommandSync) {
			accepted++
		}
	}
	assert.Equal(t, defaultCommandBuffer, accepted)
}

func TestPublishFansOutAndDrops(t *testing.T) {
	b := New()
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	b.Publish(Event{Status: StatusChecking})
	assert.Equal(t, StatusChecking, (<-first).Status)
	assert.Equal(t, StatusChecking, (<-second).Status)

	assert.Equal(t, 2, b.Subscribers())
	cancelFirst()
	cancelFirst()
	assert.Equal(t, 1, b.Subscribers())
	_, open := <-first
	assert.False(t, open)

	for i := 0; i < defaultEventBuffer+10; i++ {
		b.Publish(Event{Status: StatusCleaning})
	}
	assert.Len(t, second, defaultEventBuffer)
}

func TestCloseStopsEverything(t *testing.T) {
	b := New()
	events, _ := b.Subscribe()
	b.Close()
	b.Close()

	assert.False(t, b.Send(CommandStart))
	_, open := <-events
	assert.False(t, open)
	_, open = <-b.Commands()
	assert.False(t, open)

	late, cancel := b.Subscribe()
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}
