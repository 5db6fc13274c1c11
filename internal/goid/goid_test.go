package goid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentIsStableWithinAGoroutine(t *testing.T) {
	first := Current()
	second := Current()
	require.Equal(t, first, second)
	require.NotZero(t, first)
}

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	mainID := Current()

	var otherID int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		otherID = Current()
	}()
	wg.Wait()

	require.NotEqual(t, mainID, otherID)
}
