// Package report summarizes explorations and plots their coverage.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/amirkhaki/moriarty/pkg/runtime"
)

// Series is the per-iteration data of one exploration.
type Series struct {
	Name string `json:"name"`
	// Distinct executions found after each iteration.
	Distinct []int `json:"distinct"`
	// Events delivered in each iteration.
	Events []int `json:"events"`
	Failed bool  `json:"failed"`
}

// FromResult extracts the series of res.
func FromResult(name string, res *runtime.Result) Series {
	s := Series{Name: name, Failed: res.Failure != nil}
	for _, st := range res.Stats {
		s.Distinct = append(s.Distinct, st.Distinct)
		s.Events = append(s.Events, st.Events)
	}
	return s
}

// Summary holds statistics over a series.
type Summary struct {
	Name         string
	Iterations   int
	Distinct     int
	Failed       bool
	EventsMean   float64
	EventsStdDev float64
	EventsMedian float64
	EventsMax    float64
}

// Summarize computes the summary of s.
func Summarize(s Series) Summary {
	sum := Summary{Name: s.Name, Iterations: len(s.Events), Failed: s.Failed}
	if n := len(s.Distinct); n > 0 {
		sum.Distinct = s.Distinct[n-1]
	}
	if len(s.Events) == 0 {
		return sum
	}
	x := make([]float64, len(s.Events))
	for i, e := range s.Events {
		x[i] = float64(e)
	}
	sum.EventsMean, sum.EventsStdDev = stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		sum.EventsStdDev = 0
	}
	sort.Float64s(x)
	sum.EventsMedian = stat.Quantile(0.5, stat.Empirical, x, nil)
	sum.EventsMax = x[len(x)-1]
	return sum
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d iterations, %d distinct, failed=%v, events mean %.1f sd %.1f median %.0f max %.0f",
		s.Name, s.Iterations, s.Distinct, s.Failed, s.EventsMean, s.EventsStdDev, s.EventsMedian, s.EventsMax)
}

// Plot draws the distinct executions over iterations of every series and
// saves the plot to path. The format follows the extension.
func Plot(path string, series []Series) error {
	p := plot.New()
	p.Title.Text = "Coverage"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Distinct executions"
	for i, s := range series {
		points := make(plotter.XYs, len(s.Distinct))
		for j, v := range s.Distinct {
			points[j] = plotter.XY{X: float64(j + 1), Y: float64(v)}
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return fmt.Errorf("series %s: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// Write encodes series as JSON.
func Write(w io.Writer, series []Series) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(series)
}

// Read decodes series written by Write.
func Read(r io.Reader) ([]Series, error) {
	var series []Series
	if err := json.NewDecoder(r).Decode(&series); err != nil {
		return nil, fmt.Errorf("failed to decode series: %w", err)
	}
	return series, nil
}

// Save writes series to path.
func Save(path string, series []Series) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	defer f.Close()
	return Write(f, series)
}

// Load reads series from path.
func Load(path string) ([]Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats file: %w", err)
	}
	defer f.Close()
	return Read(f)
}
