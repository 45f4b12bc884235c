// Package tui renders dispatcher state for the terminal.
// Plain tables and a progress bar; no interactive screens.
package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/srvrs/srvrs/pkg/activity"
	"github.com/srvrs/srvrs/pkg/gpu"
	"github.com/srvrs/srvrs/pkg/status"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	warning = lipgloss.Color("#FFAA00")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
)

func phaseStyle(p status.Phase) lipgloss.Style {
	switch p {
	case status.PhaseIdle:
		return successStyle
	case status.PhaseError:
		return accentStyle
	default:
		return warningStyle
	}
}

// StatusRow is one activity's status as read from disk.
type StatusRow struct {
	Activity string
	Record   status.Record
	Err      error
}

// PrintStatus writes one line per activity.
func PrintStatus(w io.Writer, rows []StatusRow) {
	width := nameWidth(len("ACTIVITY"), rows, func(r StatusRow) string { return r.Activity })
	fmt.Fprintf(w, "  %s  %s  %s\n",
		mutedStyle.Render(pad("ACTIVITY", width)),
		mutedStyle.Render(pad("PHASE", 8)),
		mutedStyle.Render("DETAIL"))

	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(w, "  %s  %s  %s\n",
				titleStyle.Render(pad(r.Activity, width)),
				mutedStyle.Render(pad("-", 8)),
				mutedStyle.Render("No status: "+r.Err.Error()))
			continue
		}
		fmt.Fprintf(w, "  %s  %s  %s\n",
			titleStyle.Render(pad(r.Activity, width)),
			phaseStyle(r.Record.Phase).Render(pad(string(r.Record.Phase), 8)),
			indentDetail(r.Record.Detail, width+14))
	}
}

// QueueRow is one activity's pending uploads.
type QueueRow struct {
	Activity string
	Entries  []string
	Err      error
}

// PrintQueue lists pending uploads per activity.
func PrintQueue(w io.Writer, rows []QueueRow) {
	for _, r := range rows {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "  %s %s\n", titleStyle.Render(r.Activity), mutedStyle.Render("No queue: "+r.Err.Error()))
		case len(r.Entries) == 0:
			fmt.Fprintf(w, "  %s %s\n", titleStyle.Render(r.Activity), mutedStyle.Render("(empty)"))
		default:
			fmt.Fprintf(w, "  %s %s\n", titleStyle.Render(r.Activity), mutedStyle.Render(fmt.Sprintf("(%d pending)", len(r.Entries))))
			for i, e := range r.Entries {
				fmt.Fprintf(w, "    %s %s\n", mutedStyle.Render(fmt.Sprintf("%2d.", i+1)), e)
			}
		}
	}
}

// PrintServices lists the configured activities and what they accept.
func PrintServices(w io.Writer, defs []activity.Definition) {
	fmt.Fprintln(w, titleStyle.Render("  Available Services:"))
	width := nameWidth(0, defs, func(d activity.Definition) string { return d.Name })
	for _, d := range defs {
		gpus := "cpu only"
		if d.GPUs == 1 {
			gpus = "1 gpu"
		} else if d.GPUs > 1 {
			gpus = fmt.Sprintf("%d gpus", d.GPUs)
		}
		fmt.Fprintf(w, "  %s  %s %s\n",
			accentStyle.Render(pad(d.Name, width)),
			d.Wants.String(),
			mutedStyle.Render("("+gpus+")"))
	}
}

// PrintGPUs writes the occupancy snapshot of every accelerator.
func PrintGPUs(w io.Writer, states []gpu.DeviceState) {
	if len(states) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  No accelerators found."))
		return
	}
	for _, s := range states {
		state := successStyle.Render("idle")
		if !s.Idle() {
			state = warningStyle.Render(fmt.Sprintf("busy (%d procs)", s.Processes))
		}
		line := fmt.Sprintf("  %s %s  %s",
			titleStyle.Render(fmt.Sprintf("GPU %d", s.Index)),
			s.Name,
			state)
		if s.MemoryTotal > 0 {
			line += mutedStyle.Render(fmt.Sprintf("  %s / %s", formatBytes(int64(s.MemoryUsed)), formatBytes(int64(s.MemoryTotal))))
		}
		if s.Holder != "" {
			line += "  " + accentStyle.Render("leased by "+s.Holder)
		}
		fmt.Fprintln(w, line)
	}
}

func nameWidth[T any](floor int, items []T, name func(T) string) int {
	w := floor
	for _, it := range items {
		if n := len(name(it)); n > w {
			w = n
		}
	}
	return w
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// indentDetail aligns continuation lines of a multi-line detail under the
// first.
func indentDetail(detail string, indent int) string {
	return strings.ReplaceAll(detail, "\n", "\n"+strings.Repeat(" ", indent))
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
