package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGoWithCleanup("boom", func() {
		panic("pump exploded")
	}, func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not run after panic")
	}
}

func TestSafeGo_RunsFunction(t *testing.T) {
	ran := make(chan int, 1)
	SafeGo("ok", func() { ran <- 42 })
	assert.Equal(t, 42, <-ran)
}

func TestRecover_NoPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("quiet")
	})
}
