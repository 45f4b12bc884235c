package tui

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/srvrs/srvrs/pkg/status"
)

var percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// Percent extracts the last percentage mentioned in a status detail.
func Percent(detail string) (float64, bool) {
	m := percentPattern.FindAllStringSubmatch(detail, -1)
	if len(m) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[len(m)-1][1], 64)
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// NewStatusBar creates the bar used by Follow.
func NewStatusBar(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// Follow polls the status file at path and mirrors it on a progress bar
// until ctx ends. Percentages in the detail drive the bar; every other
// change only updates its description.
func Follow(ctx context.Context, w io.Writer, path string, interval time.Duration) error {
	bar := NewStatusBar(w, "waiting for status")
	defer bar.Exit()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last status.Record
	for {
		if rec, err := status.ReadStatus(path); err == nil && rec != last {
			last = rec
			bar.Describe(rec.String())
			switch {
			case rec.Phase == status.PhaseCleanup:
				_ = bar.Set(100)
			case !rec.Phase.IsBusy():
				_ = bar.Set(0)
			default:
				if pct, ok := Percent(rec.Detail); ok {
					_ = bar.Set(int(pct))
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
