package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	var order []string
	clk.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clk.AfterFunc(time.Second, func() { order = append(order, "a") })
	clk.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	clk.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, start.Add(3*time.Second), clk.Now())
}

func TestFakeStopCancelsTimer(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	clk.Advance(time.Minute)

	assert.False(t, fired)
	assert.Zero(t, clk.Pending())
}

func TestFakeRearmFromCallback(t *testing.T) {
	clk := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(10*time.Second, tick)
	}
	clk.AfterFunc(0, tick)

	clk.Advance(0)
	assert.Equal(t, 1, count)

	clk.Advance(25 * time.Second)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1, clk.Pending())
}
