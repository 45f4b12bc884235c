// Package runner executes an activity's script against a staged upload and
// streams its output as it is produced.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
)

// maxLineSize bounds a single output line; longer lines fail the read.
const maxLineSize = 1024 * 1024

// Request describes one script invocation.
type Request struct {
	// Script is the executable run for the activity.
	Script string

	// WorkFile is the staged upload, passed as the first argument.
	WorkFile string

	// Devices are the reserved accelerator indices, passed comma-joined as
	// the second argument and exported as CUDA_VISIBLE_DEVICES.
	Devices []int

	// Dir is the working directory of the script; empty keeps ours.
	Dir string

	// Pattern is the progress regular expression.
	Pattern string

	// OnProgress receives every extracted progress detail.
	OnProgress func(detail string)

	// Log receives every output line.
	Log *logrus.Entry
}

// Result summarizes a finished invocation.
type Result struct {
	ExitCode int
	Lines    int
	Updates  int
	Duration time.Duration
}

// Runner launches scripts as subprocesses.
type Runner struct {
	env       []string
	waitDelay time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithEnv appends environment entries ("KEY=value") to every invocation.
func WithEnv(env ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// WithWaitDelay bounds how long a cancelled script may take to exit after
// SIGTERM before it is killed.
func WithWaitDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.waitDelay = d
	}
}

// New creates a runner.
func New(opts ...Option) *Runner {
	r := &Runner{waitDelay: 10 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FormatDevices renders device indices the way scripts receive them: "0,1".
func FormatDevices(devices []int) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// Args returns the positional arguments of an invocation.
func Args(req Request) []string {
	return []string{req.WorkFile, FormatDevices(req.Devices)}
}

// Run launches the script and blocks until it exits. Stdout is read line by
// line while the script runs; each line is logged and matched against the
// progress pattern. A pattern that does not compile disables extraction for
// this run only. A non-zero exit or a failed spawn is returned as an error;
// output already consumed is not rolled back.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	// Dir moves the script's working directory, so relative paths are
	// pinned to ours first.
	req.Script = absolutePath(req.Script, true)
	req.WorkFile = absolutePath(req.WorkFile, false)

	ctx, span := otel.Tracer("github.com/srvrs/srvrs/pkg/runner").Start(ctx, "runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("script", req.Script),
		attribute.String("devices", FormatDevices(req.Devices)),
	)

	log := req.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	extractor, err := NewExtractor(req.Pattern)
	if err != nil {
		log.WithError(err).WithField("pattern", req.Pattern).Warn("progress pattern does not compile; progress extraction disabled")
		extractor = nil
	}

	args := Args(req)
	cmd := exec.CommandContext(ctx, req.Script, args...)
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+FormatDevices(req.Devices))
	configureProcess(cmd)
	cmd.WaitDelay = r.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, srvrserrors.Wrap(err, srvrserrors.CodeSpawnFailed, "could not open script stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, srvrserrors.Wrap(err, srvrserrors.CodeSpawnFailed, "could not open script stderr")
	}

	started := time.Now()
	log.WithField("args", args).Infof("running %s", req.Script)
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		return Result{ExitCode: -1}, srvrserrors.Wrapf(err, srvrserrors.CodeSpawnFailed, "could not start %s", req.Script)
	}

	var res Result
	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, func(line string) {
			res.Lines++
			log.Info(line)
			for _, detail := range extractor.Extract(line) {
				res.Updates++
				if req.OnProgress != nil {
					req.OnProgress(detail)
				}
			}
		})
	})
	g.Go(func() error {
		return pump(stderr, func(line string) {
			log.Warn(line)
		})
	})
	readErr := g.Wait()

	waitErr := cmd.Wait()
	res.Duration = time.Since(started)
	res.ExitCode = exitCode(cmd, waitErr)
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode), attribute.Int("progress_updates", res.Updates))

	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, "script failed")
		return res, srvrserrors.Wrapf(waitErr, srvrserrors.CodeScriptFailed, "%s exited with code %d", req.Script, res.ExitCode)
	}
	if readErr != nil {
		log.WithError(readErr).Warn("script output was not fully read")
	}
	return res, nil
}

// pump feeds every line of rd to fn. Carriage returns also end a line so
// that in-place progress bars are seen as they redraw.
// absolutePath resolves p against the current directory. A script given as
// a bare name is left for PATH lookup.
func absolutePath(p string, command bool) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if command && !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func pump(rd io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		// keep draining so the script never blocks on a full pipe
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// String renders an invocation for logs.
func (req Request) String() string {
	return fmt.Sprintf("%s %s", req.Script, strings.Join(Args(req), " "))
}
