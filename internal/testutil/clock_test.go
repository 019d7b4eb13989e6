package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMockClock_StartsAtEpoch(t *testing.T) {
	clk := NewMockClock()
	assert.Equal(t, Epoch, clk.Now().UTC())
}

func TestNewMockClock_TimersFireOnAdd(t *testing.T) {
	clk := NewMockClock()

	fired := make(chan struct{})
	clk.AfterFunc(time.Second, func() { close(fired) })

	select {
	case <-fired:
		t.Fatal("timer fired before the clock moved")
	default:
	}

	clk.Add(time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Add")
	}
}

func TestNewMockClock_Independent(t *testing.T) {
	a := NewMockClock()
	b := NewMockClock()

	a.Add(time.Hour)

	assert.Equal(t, Epoch, b.Now().UTC())
	assert.Equal(t, Epoch.Add(time.Hour), a.Now().UTC())
}
