package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/moriarty/pkg/runtime"
)

func sample() []Series {
	return []Series{
		{Name: "trust", Distinct: []int{1, 2, 3, 4}, Events: []int{10, 12, 14, 16}},
		{Name: "random", Distinct: []int{1, 1, 2, 2}, Events: []int{10, 10, 10, 10}, Failed: true},
	}
}

func TestFromResult(t *testing.T) {
	res := &runtime.Result{
		Stats: []runtime.IterationStats{{Events: 5, Distinct: 1}, {Events: 7, Distinct: 2}},
	}
	s := FromResult("trust", res)
	assert.Equal(t, Series{Name: "trust", Distinct: []int{1, 2}, Events: []int{5, 7}}, s)
}

func TestSummarize(t *testing.T) {
	sum := Summarize(sample()[0])
	assert.Equal(t, 4, sum.Iterations)
	assert.Equal(t, 4, sum.Distinct)
	assert.InDelta(t, 13, sum.EventsMean, 1e-9)
	assert.InDelta(t, 2.5819888974716, sum.EventsStdDev, 1e-9)
	assert.Equal(t, 12.0, sum.EventsMedian)
	assert.Equal(t, 16.0, sum.EventsMax)

	empty := Summarize(Series{Name: "none"})
	assert.Zero(t, empty.Iterations)
	assert.Zero(t, empty.EventsMean)

	one := Summarize(Series{Name: "one", Distinct: []int{1}, Events: []int{3}})
	assert.Zero(t, one.EventsStdDev)
}

func TestSummaryGolden(t *testing.T) {
	var buf bytes.Buffer
	for _, s := range sample() {
		buf.WriteString(Summarize(s).String())
		buf.WriteByte('\n')
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "summary", buf.Bytes())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, Save(path, sample()))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)

	_, err = Read(bytes.NewBufferString("{"))
	assert.Error(t, err)
}

func TestPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.png")
	require.NoError(t, Plot(path, sample()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}
