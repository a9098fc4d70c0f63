package job

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownKind_Fails(t *testing.T) {
	_, err := New(Spec{Kind: "sleeper"})
	assert.Error(t, err)

	_, err = New(Spec{Kind: "bursty", RunUS: 100})
	assert.Error(t, err, "bursty needs a sleep")

	_, err = New(Spec{Kind: "hog", Jitter: 2})
	assert.Error(t, err)
}

func TestHog_NeverBlocks(t *testing.T) {
	b, err := New(Spec{Kind: "hog"})
	require.NoError(t, err)
	assert.Equal(t, "hog", b.Name())
	for i := 0; i < 100; i++ {
		p := b.Next(nil)
		assert.Equal(t, ThenContinue, p.Then)
		assert.Equal(t, 100*time.Millisecond, p.Run)
	}
}

func TestBursty_JitterStaysInBounds(t *testing.T) {
	b, err := New(Spec{Kind: "bursty", RunUS: 1000, SleepUS: 4000, Jitter: 0.25})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 1000; i++ {
		p := b.Next(rng)
		assert.Equal(t, ThenSleep, p.Then)
		assert.GreaterOrEqual(t, p.Run, 750*time.Microsecond)
		assert.LessOrEqual(t, p.Run, 1250*time.Microsecond)
		assert.GreaterOrEqual(t, p.Pause, 3*time.Millisecond)
		assert.LessOrEqual(t, p.Pause, 5*time.Millisecond)
	}
}

func TestBursty_SameSeed_SamePhases(t *testing.T) {
	spec := Spec{Kind: "bursty", RunUS: 1000, SleepUS: 4000, Jitter: 0.5}
	a, _ := New(spec)
	b, _ := New(spec)
	ra := rand.New(rand.NewSource(7))
	rb := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Next(ra), b.Next(rb))
	}
}

func TestYielder_ExitsAfterBursts(t *testing.T) {
	y, err := New(Spec{Kind: "yielder", RunUS: 200, Bursts: 3})
	require.NoError(t, err)

	assert.Equal(t, ThenYield, y.Next(nil).Then)
	assert.Equal(t, ThenYield, y.Next(nil).Then)
	assert.Equal(t, ThenExit, y.Next(nil).Then)
}

func TestBurst_PreemptionKeepsRemainder(t *testing.T) {
	// GIVEN a 10ms burst
	b := NewBurst(Phase{Run: 10 * time.Millisecond})

	// WHEN it is preempted after 4ms
	assert.False(t, b.Consume(4*time.Millisecond))

	// THEN 6ms remain, and overrunning finishes it
	assert.Equal(t, 6*time.Millisecond, b.Remaining())
	assert.True(t, b.Consume(7*time.Millisecond))
	assert.True(t, b.Done())
	assert.Equal(t, time.Duration(0), b.Remaining())
}
