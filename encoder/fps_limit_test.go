package encoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func collect(l *FPSLimit[int], frames []int, ts []time.Duration) []int {
	var out []int
	for idx, f := range frames {
		if r, ok := l.OnNewFrame(f, ts[idx]); ok {
			out = append(out, r)
		}
	}
	if r, ok := l.Flush(); ok {
		out = append(out, r)
	}
	return out
}

func TestFPSLimitBasic(t *testing.T) {
	var dropped []int
	l := NewFPSLimit(1., func(f int) { dropped = append(dropped, f) })
	out := collect(l,
		[]int{0, 1, 2, 3, 4, 5},
		[]time.Duration{seconds(0), seconds(0.5), seconds(1.1), seconds(1.2), seconds(1.3), seconds(5)},
	)
	require.Equal(t, []int{0, 1, 4, 5}, out)
	require.Equal(t, []int{2, 3}, dropped)
}

func TestFPSLimitSynthetic120Hz(t *testing.T) {
	l := NewFPSLimit[int](30., nil)
	var out []int
	for i := 0; i < 120; i++ {
		if r, ok := l.OnNewFrame(i, time.Duration(i*1_000_000/120)*time.Microsecond); ok {
			out = append(out, r)
		}
	}
	if r, ok := l.Flush(); ok {
		out = append(out, r)
	}
	require.GreaterOrEqual(t, len(out), 28, out)
	require.Less(t, len(out), 32, out)
}

func TestFPSLimitLargeSkip(t *testing.T) {
	l := NewFPSLimit[int](1., nil)
	out := collect(l,
		[]int{0, 1, 2, 3, 4, 5},
		[]time.Duration{seconds(0), seconds(0.5), seconds(10), seconds(10.1), seconds(10.2), seconds(10.3)},
	)
	require.Equal(t, []int{0, 1, 2, 5}, out)
}
