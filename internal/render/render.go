// Package render implements the minimal terminal dashboard: one scrolling
// target table and one RTT sparkline per target, refreshed on a fixed
// tick and redrawn on resize, in the same termui grid/table/sparkline
// idiom the rest of the corpus uses for its terminal UIs.
package render

import (
	"fmt"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/ptop-hq/ptop/internal/command"
	"github.com/ptop-hq/ptop/internal/stats"
	"github.com/ptop-hq/ptop/pkg/types"
)

const sparklineHistory = 120

// Dashboard owns the termui grid and drives it from a stats registry.
type Dashboard struct {
	registry   *stats.Registry
	dispatcher *command.Dispatcher

	table       *widgets.Table
	sparklines  map[int]*widgets.Sparkline
	sparkGroup  *widgets.SparklineGroup
	grid        *ui.Grid

	mode string // "live" or "replay <speed>x"

	rowTargets []int // target index for each row of the last refresh, in order
	selected   int    // position into rowTargets highlighted for `r` (reset)
}

// New initializes termui and lays out the dashboard's grid. Callers must
// call Close when finished.
func New(reg *stats.Registry, dispatcher *command.Dispatcher, mode string) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("init terminal ui: %w", err)
	}

	table := widgets.NewTable()
	table.Title = " ptop targets "
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = false
	table.BorderStyle.Fg = ui.ColorCyan
	table.Rows = [][]string{header()}

	group := widgets.NewSparklineGroup()
	group.Title = " rtt (ms) "
	group.BorderStyle.Fg = ui.ColorGreen

	grid := ui.NewGrid()
	w, h := ui.TerminalDimensions()
	grid.SetRect(0, 0, w, h)
	grid.Set(
		ui.NewRow(0.6, ui.NewCol(1.0, table)),
		ui.NewRow(0.4, ui.NewCol(1.0, group)),
	)

	return &Dashboard{
		registry:   reg,
		dispatcher: dispatcher,
		table:      table,
		sparklines: make(map[int]*widgets.Sparkline),
		sparkGroup: group,
		grid:       grid,
		mode:       mode,
	}, nil
}

// Close tears down the terminal UI.
func (d *Dashboard) Close() { ui.Close() }

func header() []string {
	return []string{"#", "target", "state", "sent", "loss%", "last", "avg", "jitter", "p95", "mos", "grade"}
}

// Run drives the dashboard until the dispatcher's Done channel closes or
// ctx-equivalent cancellation is signalled through keypresses.
func (d *Dashboard) Run() {
	ui.Render(d.grid)

	events := ui.PollEvents()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.dispatcher.Done():
			return
		case e := <-events:
			if d.handleKey(e) {
				return
			}
		case <-ticker.C:
			d.refresh()
			ui.Render(d.grid)
		}
	}
}

func (d *Dashboard) handleKey(e ui.Event) (quit bool) {
	switch e.Type {
	case ui.ResizeEvent:
		payload := e.Payload.(ui.Resize)
		d.grid.SetRect(0, 0, payload.Width, payload.Height)
		ui.Clear()
		ui.Render(d.grid)
		return false
	case ui.KeyboardEvent:
		switch e.ID {
		case "q", "<C-c>":
			d.dispatcher.Dispatch(command.Command{Type: command.Quit})
			return true
		case "<Space>":
			d.dispatcher.Dispatch(command.Command{Type: command.PauseResume})
		case "<Right>":
			d.dispatcher.Dispatch(command.Command{Type: command.SeekForward})
		case "<Left>":
			d.dispatcher.Dispatch(command.Command{Type: command.SeekBackward})
		case "<Up>":
			if d.selected > 0 {
				d.selected--
			}
		case "<Down>":
			if d.selected < len(d.rowTargets)-1 {
				d.selected++
			}
		case "r":
			if d.selected >= 0 && d.selected < len(d.rowTargets) {
				d.dispatcher.Dispatch(command.Command{Type: command.Reset, Target: d.rowTargets[d.selected]})
			}
		}
	}
	return false
}

func (d *Dashboard) refresh() {
	views := d.registry.Snapshot(sparklineHistory)
	sort.SliceStable(views, func(i, j int) bool { return views[i].Index < views[j].Index })

	rows := [][]string{header()}
	rowTargets := make([]int, 0, len(views))
	var sparks []*widgets.Sparkline
	for i, v := range views {
		row := formatRow(v)
		if i == d.selected {
			row[1] = "> " + row[1]
		}
		rows = append(rows, row)
		rowTargets = append(rowTargets, v.Index)

		sl, ok := d.sparklines[v.Index]
		if !ok {
			sl = widgets.NewSparkline()
			sl.LineColor = ui.ColorGreen
			sl.Title = v.Label
			d.sparklines[v.Index] = sl
		}
		sl.Title = fmt.Sprintf("%s (%s)", v.Label, v.Grade)
		sl.Data = rttSeries(v)
		sparks = append(sparks, sl)
	}
	d.table.Rows = rows
	d.sparkGroup.Sparklines = sparks
	d.rowTargets = rowTargets
	if d.selected >= len(rowTargets) {
		d.selected = len(rowTargets) - 1
	}
	if d.selected < 0 {
		d.selected = 0
	}
}

func rttSeries(v types.TargetView) []float64 {
	series := make([]float64, 0, len(v.History))
	for _, s := range v.History {
		if s.Reply {
			series = append(series, float64(s.RTTMicros)/1000.0)
		} else {
			series = append(series, 0)
		}
	}
	if len(series) == 0 {
		series = []float64{0}
	}
	return series
}

func formatRow(v types.TargetView) []string {
	return []string{
		fmt.Sprintf("%d", v.Index),
		v.Label,
		stateLabel(v.State),
		fmt.Sprintf("%d", v.Sent),
		fmt.Sprintf("%.1f", v.LossPercent()),
		formatMillis(v.LastRTTMicros),
		fmt.Sprintf("%.1fms", v.MeanRTTMicros/1000.0),
		fmt.Sprintf("%.1fms", v.JitterMicros/1000.0),
		formatMillis(v.P95Micros),
		fmt.Sprintf("%.2f", v.MOS),
		string(v.Grade),
	}
}

func formatMillis(micros int64) string {
	if micros == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fms", float64(micros)/1000.0)
}

func stateLabel(s types.TargetState) string {
	switch s {
	case types.TargetResolved:
		return "up"
	case types.TargetUnresolved:
		return "unresolved"
	default:
		return "pending"
	}
}
