package bytetrace

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

const summaryTableMaxRecords = 12

// MethodSummary counts the events recorded by one method.
type MethodSummary struct {
	Identity      string `json:"identity"`
	Locals        int    `json:"locals"`
	Branches      int    `json:"branches"`
	BranchesTaken int    `json:"branches_taken"`
	Loops         int    `json:"loops"`
	Calls         int    `json:"calls"`
}

// Total returns the number of events of the method.
func (m MethodSummary) Total() int {
	return m.Locals + m.Branches + m.Loops + m.Calls
}

// RunSummary aggregates the events of a trace.
type RunSummary struct {
	Label       string          `json:"label"`
	GeneratedAt time.Time       `json:"generated_at"`
	EventCount  int             `json:"event_count"`
	KindCounts  map[string]int  `json:"kind_counts"`
	Methods     []MethodSummary `json:"methods"`
	Callees     []string        `json:"callees"`
}

// SummarizeRun counts events per method and kind. Methods are ordered by event count, highest first.
func SummarizeRun(label string, events []TraceEvent) RunSummary {
	summary := RunSummary{
		Label:       label,
		GeneratedAt: time.Now().UTC(),
		EventCount:  len(events),
		KindCounts:  make(map[string]int),
		Callees:     CalledMethods(events),
	}
	for kind, count := range bulk.SliceToCounts(eventKinds(events)) {
		summary.KindCounts[kind.String()] = count
	}

	byMethod := bulk.SliceToGroupsBy(func(e TraceEvent) string { return e.Identity() }, events)
	for ident, methodEvents := range byMethod {
		counts := bulk.SliceToCounts(eventKinds(methodEvents))
		ms := MethodSummary{
			Identity: ident,
			Locals:   counts[EventLocals],
			Branches: counts[EventBranch],
			Loops:    counts[EventLoop],
			Calls:    counts[EventCall],
		}
		for _, e := range methodEvents {
			if e.Kind == EventBranch && e.Executed {
				ms.BranchesTaken++
			}
		}
		summary.Methods = append(summary.Methods, ms)
	}
	slices.SortFunc(summary.Methods, func(a, b MethodSummary) int {
		if c := cmp.Compare(b.Total(), a.Total()); c != 0 {
			return c
		}
		return strings.Compare(a.Identity, b.Identity)
	})
	return summary
}

func eventKinds(events []TraceEvent) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// WriteSummaryJSON writes the summary as indented JSON.
func WriteSummaryJSON(path string, summary RunSummary) error {
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary failed: %w", err)
	} else if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("write summary file failed: %w", err)
	}
	return nil
}

// WriteSummaryChart renders the summary to an image, the format is selected by the path suffix.
func WriteSummaryChart(path string, summary RunSummary) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	rows := min(len(summary.Methods), summaryTableMaxRecords)
	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       260 + 36*max(rows, 2),
	}
	if buf, err := RenderSummaryChart(painterOpt, summary); err != nil {
		return fmt.Errorf("render chart failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderSummaryChart draws the event kind distribution and the busiest methods.
func RenderSummaryChart(painterOpt charts.PainterOptions, summary RunSummary) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(10, 10, 10, 10)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := "Trace Summary"
	if summary.Label != "" {
		title += ": " + summary.Label
	}
	titleBox := p.MeasureText(title, 0, titleFont)

	painters, err := p.LayoutByRows().
		RowGap(strconv.Itoa(titleBox.Height())).
		Row().Height("128").Columns("kinds").
		Row().Columns("methods").
		Build()
	if err != nil {
		return nil, fmt.Errorf("error building chart layout: %w", err)
	}
	kindPainter := painters["kinds"]
	methodPainter := painters["methods"]

	kindOrder := []EventKind{EventLocals, EventBranch, EventLoop, EventCall}
	data := make([][]float64, len(kindOrder))
	for i, k := range kindOrder {
		data[i] = []float64{float64(summary.KindCounts[k.String()])}
	}
	kindOpt := charts.NewHorizontalBarChartOptionWithData(data)
	kindOpt.StackSeries = charts.Ptr(true)
	kindOpt.Theme = charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			{ /* blue */ R: 80, G: 120, B: 200, A: 255},
			charts.ColorGreenAlt1,
			{ /* amber */ R: 220, G: 170, B: 60, A: 255},
			charts.ColorRed,
		})
	kindOpt.Title.Text = "Events by Kind (locals, branch, loop, call)"
	kindOpt.XAxis.Unit = axisUnitFor(summary.EventCount)
	kindOpt.YAxis.Show = charts.Ptr(false)
	for i := range kindOpt.SeriesList {
		kindOpt.SeriesList[i].Label.Show = charts.Ptr(true)
		kindOpt.SeriesList[i].Label.ValueFormatter = func(f float64) string {
			if f == 0 {
				return ""
			}
			return charts.FormatValueHumanize(f, 0, false)
		}
	}
	if err := kindPainter.HorizontalBarChart(kindOpt); err != nil {
		return nil, fmt.Errorf("error rendering chart: %w", err)
	}

	if len(summary.Methods) == 0 {
		text := "No Trace Events Recorded"
		textBox := methodPainter.MeasureText(text, 0, titleFont)
		methodPainter.Text(text, (methodPainter.Width()-textBox.Width())/2, methodPainter.Height()/2, 0, titleFont)
	} else {
		methods := summary.Methods
		if len(methods) > summaryTableMaxRecords {
			methods = methods[:summaryTableMaxRecords]
		}
		rows := make([][]string, len(methods))
		for i, m := range methods {
			rows[i] = []string{
				m.Identity,
				strconv.Itoa(m.Locals),
				strconv.Itoa(m.BranchesTaken) + "/" + strconv.Itoa(m.Branches),
				strconv.Itoa(m.Loops),
				strconv.Itoa(m.Calls),
			}
		}
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		tableOpt := charts.TableChartOption{
			Header:                []string{"Method", "Snapshots", "Taken / Branches", "Loops", "Calls"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{36, 8, 10, 6, 6},
			TextAligns: []string{
				charts.AlignLeft, charts.AlignCenter, charts.AlignCenter, charts.AlignCenter, charts.AlignCenter,
			},
		}
		if err := methodPainter.TableChart(tableOpt); err != nil {
			return nil, fmt.Errorf("error rendering table: %w", err)
		}
	}

	p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	return p.Bytes()
}

func axisUnitFor(val int) float64 {
	switch {
	case val >= 8000:
		return 2000
	case val > 2000:
		return 1000
	case val >= 800:
		return 200
	case val > 200:
		return 100
	case val >= 80:
		return 20
	case val > 20:
		return 10
	case val >= 10:
		return 2
	default:
		return 1
	}
}

// DiffRuns returns a unified diff of the rendered records of two traces, empty when they match.
func DiffRuns(before, after []TraceEvent, beforeName, afterName string) (string, error) {
	render := func(events []TraceEvent) []string {
		lines := make([]string, len(events))
		for i, e := range events {
			lines[i] = e.String() + "\n"
		}
		return lines
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        render(before),
		B:        render(after),
		FromFile: beforeName,
		ToFile:   afterName,
		Context:  2,
	})
}

// QueryResult is one value produced by a jq query over a snapshot.
type QueryResult struct {
	Identity string `json:"identity"`
	Line     int    `json:"line"`
	Value    any    `json:"value"`
}

// QueryLocals runs a jq expression against the variable object of every locals event. Events whose object does not
// decode are skipped, a runtime error of the expression is returned.
func QueryLocals(events []TraceEvent, expr string) ([]QueryResult, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse query failed: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile query failed: %w", err)
	}

	var results []QueryResult
	for _, e := range events {
		if e.Kind != EventLocals {
			continue
		}
		var vars any
		if err := json.Unmarshal([]byte(e.Locals), &vars); err != nil {
			continue
		}
		iter := code.Run(vars)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				var halt *gojq.HaltError
				if errors.As(err, &halt) && halt.Value() == nil {
					break
				}
				return nil, fmt.Errorf("query %s:%d failed: %w", e.Identity(), e.Line, err)
			} else if v == nil {
				continue
			}
			results = append(results, QueryResult{Identity: e.Identity(), Line: e.Line, Value: v})
		}
	}
	return results, nil
}
