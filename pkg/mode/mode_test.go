package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitialState(t *testing.T) {
	m := New()
	assert.Equal(t, Configuration, m.State())
	assert.Equal(t, 0, m.RunningCount())
}

func TestTransitionNotifiesListeners(t *testing.T) {
	m := New()
	var got []string
	m.OnTransition(func(from, to State) {
		got = append(got, string(from)+"->"+string(to))
	})

	m.Transition(Running)
	m.Transition(Configuration)

	assert.Equal(t, []string{"configuration->running", "running->configuration"}, got)
	assert.Equal(t, Configuration, m.State())
}

func TestRunningCounter(t *testing.T) {
	m := New()
	m.IncRunning()
	m.IncRunning()
	assert.Equal(t, 2, m.RunningCount())

	m.DecRunning()
	assert.Equal(t, 1, m.RunningCount())

	m.DecRunning()
	m.DecRunning()
	assert.Equal(t, 0, m.RunningCount(), "decrementing below zero must clamp at zero")
}
