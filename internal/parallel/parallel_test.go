package parallel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_PreservesOrder(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	got, err := Map(context.Background(), items, 4, func(ctx context.Context, i int, item int) (int, error) {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return item * 10, nil
	})
	require.NoError(t, err)

	for i, v := range got {
		assert.Equal(t, i*10, v)
	}
}

func TestMap_RespectsLimit(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		var inFlight, peak atomic.Int32

		_, err := Map(context.Background(), make([]struct{}, 30), limit, func(ctx context.Context, i int, _ struct{}) (struct{}, error) {
			trackPeak(&peak, inFlight.Add(1))
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}, nil
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, int(peak.Load()), limit)
		assert.Equal(t, int32(limit), peak.Load(), "sliding window should fill every slot")
	}
}

func TestMap_SlidingWindow(t *testing.T) {
	// item 0 is slow; with limit 2 all other items must finish on the
	// second worker before item 0 does.
	var finished []int
	done := make(chan int, 5)

	_, err := Map(context.Background(), []int{0, 1, 2, 3, 4}, 2, func(ctx context.Context, i int, item int) (int, error) {
		if item == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		done <- item
		return item, nil
	})
	require.NoError(t, err)
	close(done)
	for v := range done {
		finished = append(finished, v)
	}

	assert.Equal(t, 0, finished[len(finished)-1])
}

func TestMap_ErrorFailsWholeCall(t *testing.T) {
	boom := errors.New("boom")

	got, err := Map(context.Background(), []int{1, 2, 3, 4}, 2, func(ctx context.Context, i int, item int) (int, error) {
		if item == 3 {
			return 0, boom
		}
		return item, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestMap_Empty(t *testing.T) {
	called := false
	got, err := Map(context.Background(), []int{}, 3, func(ctx context.Context, i int, item int) (int, error) {
		called = true
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, called)
}

func TestMap_LimitAboveLength(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	got, err := Map(context.Background(), []string{"a", "b", "c"}, 10, func(ctx context.Context, i int, s string) (string, error) {
		trackPeak(&peak, inFlight.Add(1))
		<-release
		return s + s, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "bb", "cc"}, got)
	assert.Equal(t, int32(3), peak.Load())
}

func TestMapFrom(t *testing.T) {
	got, err := MapFrom(context.Background(), func(ctx context.Context) ([]int, error) {
		return []int{3, 1, 2}, nil
	}, 2, func(ctx context.Context, i int, item int) (int, error) {
		return item + i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 4}, got)

	loadErr := errors.New("load")
	_, err = MapFrom(context.Background(), func(ctx context.Context) ([]int, error) {
		return nil, loadErr
	}, 2, func(ctx context.Context, i int, item int) (int, error) {
		return item, nil
	})
	assert.ErrorIs(t, err, loadErr)
}

func trackPeak(peak *atomic.Int32, n int32) {
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func TestMap_RecoversPanic(t *testing.T) {
	_, err := Map(context.Background(), make([]int, 20), 3, func(ctx context.Context, i int, _ int) (int, error) {
		if i == 2 {
			panic("corrupt buffer")
		}
		return i, nil
	})

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "corrupt buffer", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Equal(t, "panic: corrupt buffer", err.Error())
}

func TestMap_KeepsNestedPanicError(t *testing.T) {
	inner := &PanicError{Value: "inner"}

	_, err := Map(context.Background(), []int{1}, 1, func(ctx context.Context, i int, _ int) (int, error) {
		panic(inner)
	})
	assert.Same(t, inner, errors.Unwrap(fmt.Errorf("wrapped: %w", err)))
}
