package bytetrace

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferMonitor(t *testing.T, mutate func(*Config)) (*Monitor, *LockedBuffer, *LockedBuffer) {
	t.Helper()

	streams, verbose, diff := NewBufferStreams()
	return NewMonitor(preparedConfig(t, mutate), streams), verbose, diff
}

func TestMonitorRecordLocals(t *testing.T) {
	t.Parallel()

	const id = "demo.Calc::run"

	t.Run("dedup_unchanged", func(t *testing.T) {
		m, verbose, diff := newBufferMonitor(t, nil)
		m.EnterMethod(id)
		m.RecordLocals(id, 3, map[string]any{"a": 1, "b": "x"}, false)
		m.RecordLocals(id, 4, map[string]any{"a": 1, "b": "y"}, false)
		m.RecordLocals(id, 5, map[string]any{"a": 1, "b": "y"}, false)

		assert.Equal(t, []string{
			`demo.Calc:run:3->[Local Variables] {"a":1,"b":"x"}`,
			`demo.Calc:run:4->[Local Variables] {"b":"y"}`,
		}, lines(diff))
		assert.Len(t, lines(verbose), 3)
		assert.InDelta(t, 3.0, testutil.ToFloat64(m.diffExcluded.WithLabelValues("unchanged")), 0.0)
		assert.InDelta(t, 3.0, testutil.ToFloat64(m.probeCalls.WithLabelValues("locals")), 0.0)
	})
	t.Run("enter_resets", func(t *testing.T) {
		m, _, diff := newBufferMonitor(t, nil)
		m.EnterMethod(id)
		m.RecordLocals(id, 3, map[string]any{"a": 1}, false)
		m.EnterMethod(id)
		m.RecordLocals(id, 3, map[string]any{"a": 1}, false)

		assert.Len(t, lines(diff), 2)
	})
	t.Run("verbose_only", func(t *testing.T) {
		m, verbose, diff := newBufferMonitor(t, nil)
		m.RecordLocals(id, 3, map[string]any{"a": 1}, true)

		assert.Empty(t, diff.String())
		assert.Equal(t, []string{`demo.Calc:run:3->[Local Variables] {"a":1}`}, lines(verbose))
	})
	t.Run("empty_vars", func(t *testing.T) {
		m, verbose, diff := newBufferMonitor(t, nil)
		m.RecordLocals(id, 3, nil, false)

		assert.Zero(t, verbose.Len())
		assert.Zero(t, diff.Len())
	})
	t.Run("oversize_excluded", func(t *testing.T) {
		m, verbose, diff := newBufferMonitor(t, func(c *Config) {
			c.MaxValueLength = 16
			c.MaxBraces = 1
		})
		m.RecordLocals(id, 3, map[string]any{
			"long":   strings.Repeat("z", 40),
			"nested": map[string]any{"a": map[string]any{"b": 1}},
			"ok":     2,
		}, false)

		assert.Equal(t, []string{`demo.Calc:run:3->[Local Variables] {"ok":2}`}, lines(diff))
		assert.Contains(t, verbose.String(), strings.Repeat("z", 40))
		assert.InDelta(t, 2.0, testutil.ToFloat64(m.diffExcluded.WithLabelValues("oversize")), 0.0)
	})
	t.Run("large_value_digest", func(t *testing.T) {
		m, _, diff := newBufferMonitor(t, nil)
		long := strings.Repeat("q", 200)
		m.RecordLocals(id, 3, map[string]any{"s": long}, false)
		m.RecordLocals(id, 4, map[string]any{"s": long}, false)

		require.Len(t, lines(diff), 1)
		rec, ok := m.records.Load(id)
		require.True(t, ok)
		stored, ok := rec.(*methodRecord).values.Load("s")
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(stored.(string), valueDigestPrefix))
		assert.Less(t, len(stored.(string)), len(long))
	})
	t.Run("all_unchanged_writes_nothing", func(t *testing.T) {
		m, _, diff := newBufferMonitor(t, nil)
		m.RecordLocals(id, 3, map[string]any{"a": 1}, false)
		diff.Reset()
		m.RecordLocals(id, 4, map[string]any{"a": 1}, false)

		assert.Empty(t, diff.String())
	})
}

func TestMonitorControlFlow(t *testing.T) {
	t.Parallel()

	m, _, diff := newBufferMonitor(t, nil)
	m.EnterMethod("demo.Calc::run")
	m.RecordBranch("demo.Calc", "run", 7, "if (n > 0)", true)
	m.RecordLoop("demo.Calc", "run", 6, "while at line 6")
	m.RecordCall("demo.Calc", "run", 8, "demo/Helper", "twice")

	assert.Equal(t, []string{
		`demo.Calc:run:7->[Control Flow] Branch Info: Line: 7, Condition: if (n > 0), Executed: true`,
		`demo.Calc:run:6->[Control Flow] Loop Info: Line: 6, Description: while at line 6`,
		`demo.Calc:run:8->[Method Call] Call Stack: demo.Calc.run:8 -> demo.Helper.twice`,
	}, lines(diff))

	hist := m.History("demo.Calc::run")
	assert.Equal(t, []string{"Branch Info: Line: 7, Condition: if (n > 0), Executed: true"}, hist.Branches)
	assert.Equal(t, []string{"Loop Info: Line: 6, Description: while at line 6"}, hist.Loops)
	assert.Equal(t, []string{"Call Stack: demo.Calc.run:8 -> demo.Helper.twice"}, hist.Calls)

	m.EnterMethod("demo.Calc::run")
	assert.Equal(t, MethodHistory{}, m.History("demo.Calc::run"))
	assert.Equal(t, MethodHistory{}, m.History("demo.Calc::unknown"))

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.probeCalls.WithLabelValues("enter")), 0.0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.probeCalls.WithLabelValues("call")), 0.0)
	count, err := testutil.GatherAndCount(m.Registry(), "bytetrace_probe_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestMonitorConcurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	m, _, diff := newBufferMonitor(t, nil)
	const goroutines = 8
	const perRoutine = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perRoutine; i++ {
				m.RecordBranch("demo.Calc", "run", i, "if (x > 0)", i%2 == 0)
				m.RecordLocals("demo.Calc::run", i, map[string]any{"i": i}, false)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, m.History("demo.Calc::run").Branches, goroutines*perRoutine)
	for _, line := range lines(diff) {
		_, err := ParseTraceLine(line)
		require.NoError(t, err, line)
	}
}
