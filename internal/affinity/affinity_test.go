package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPinRestrictsThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		// Never unlocked: the pinned thread exits with the goroutine.

		cpu, err := Pin(Available() + 1)
		if !assert.NoError(t, err) {
			return
		}

		var set unix.CPUSet
		assert.NoError(t, unix.SchedGetaffinity(0, &set))
		assert.Equal(t, 1, set.Count())
		assert.True(t, set.IsSet(cpu))
	}()
	<-done
}

func TestAvailable(t *testing.T) {
	assert.GreaterOrEqual(t, Available(), 1)
}
