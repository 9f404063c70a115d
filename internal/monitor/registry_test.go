package monitor

import (
	"testing"

	"github.com/GemAppSec/CxDynEngine/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLimiter(t *testing.T) {
	l := newLimiter(2)
	require.True(t, l.tryAcquire())
	require.True(t, l.tryAcquire())
	require.False(t, l.tryAcquire())

	l.force()
	require.Equal(t, 3, l.count)

	for range 3 {
		require.True(t, l.release())
	}
	require.False(t, l.release())
	require.Zero(t, l.count)
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	r.put(model.Scan{ID: 3}, true, 1)
	r.put(model.Scan{ID: 1}, true, 1)
	r.put(model.Scan{ID: 2}, false, 3)
	r.markWorking(1)
	require.True(t, r.isWorking(1))

	stale := r.stale(3, 2)
	require.Len(t, stale, 2)
	require.Equal(t, int64(1), stale[0].scan.ID)
	require.Equal(t, int64(3), stale[1].scan.ID)

	e, ok := r.remove(1)
	require.True(t, ok)
	require.True(t, e.counted)
	require.False(t, r.isWorking(1))

	_, ok = r.remove(1)
	require.False(t, ok)
	_, ok = r.get(2)
	require.True(t, ok)
}
