//go:build linux && (amd64 || arm64)

package hwmedia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRetryEINTR(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		calls := 0
		err := retryEINTR("VIDIOC_QBUF", func() unix.Errno {
			calls++
			if calls < 3 {
				return unix.EINTR
			}
			return 0
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("bounded", func(t *testing.T) {
		calls := 0
		err := retryEINTR("VIDIOC_DQBUF", func() unix.Errno {
			calls++
			return unix.EINTR
		})
		require.ErrorIs(t, err, unix.EINTR)
		assert.ErrorContains(t, err, "VIDIOC_DQBUF")
		assert.Equal(t, maxEINTRRetries+1, calls)
	})

	t.Run("other errno", func(t *testing.T) {
		err := retryEINTR("VIDIOC_DQBUF", func() unix.Errno { return unix.EAGAIN })
		assert.ErrorIs(t, err, errWouldBlock)
	})
}

func TestPollUntil(t *testing.T) {
	t.Run("interrupted wait keeps its deadline", func(t *testing.T) {
		var waits []int
		start := time.Now()
		n, err := pollUntil(40*time.Millisecond, func(ms int) (int, error) {
			waits = append(waits, ms)
			time.Sleep(5 * time.Millisecond)
			return 0, unix.EINTR
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Less(t, time.Since(start), time.Second)
		require.NotEmpty(t, waits)
		assert.LessOrEqual(t, waits[len(waits)-1], waits[0])
		assert.LessOrEqual(t, waits[0], 40)
	})

	t.Run("ready", func(t *testing.T) {
		n, err := pollUntil(time.Second, func(ms int) (int, error) { return 1, nil })
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("error", func(t *testing.T) {
		_, err := pollUntil(time.Second, func(ms int) (int, error) { return 0, unix.EBADF })
		assert.ErrorIs(t, err, unix.EBADF)
	})
}
