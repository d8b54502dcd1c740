package stages

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorAggregator(t *testing.T) {
	ea := NewErrorAggregator()
	assert.False(t, ea.HasErrors())
	assert.Equal(t, 0, ea.Count())

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ea.Add(fmt.Sprintf("host-%d", i), errors.New("timeout"))
		}()
	}
	wg.Wait()

	assert.True(t, ea.HasErrors())
	assert.Equal(t, 10, ea.Count())
	assert.Equal(t, "timeout", ea.Errors()["host-3"])
	assert.True(t, ea.ShouldFail(20, 40))
	assert.False(t, ea.ShouldFail(20, 50), "exactly at the threshold is not a failure")
	assert.False(t, ea.ShouldFail(0, 0))
	assert.Contains(t, ea.Summary(20), "10")
}
