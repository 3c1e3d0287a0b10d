// Package reporter formats and emits progress and status information for a
// work session. A Reporter holds named report formats, each combining a
// parser (what to say), one or more writers (where to say it) and a minimum
// report interval (how often at most). It reads aggregate state from its
// Source on every invocation and is otherwise stateless apart from throttle
// timestamps and runtime statistics of finished tasks.
package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/utopya-project/utopya/internal/task"
)

// Counters are the aggregate task counts read from the work session.
type Counters struct {
	Total     int
	Pending   int
	Active    int
	Spawned   int
	Finished  int
	Succeeded int
	Stopped   int
	Skipped   int
	Failed    int
}

// WorkedOn is the number of finished tasks that actually ran.
func (c Counters) WorkedOn() int { return c.Finished - c.Skipped }

// Source provides the aggregate state a Reporter reads on each invocation.
// Implemented by the worker manager.
type Source interface {
	Counters() Counters
	// Progress is the total run progress in [0, 1], including the partial
	// progress of active tasks.
	Progress() float64
	StartedAt() time.Time
}

// ParserFunc renders a report text from current state. An empty result
// suppresses the writers (used by the self-rendering progress bar).
type ParserFunc func(r *Reporter) string

// WriterFunc emits a rendered report.
type WriterFunc func(r *Reporter, text string) error

// Format is a named report format definition.
type Format struct {
	name        string
	parser      ParserFunc
	writers     []WriterFunc
	minInterval time.Duration
	lastReport  time.Time
}

// Config configures a report format by name: parser and writers refer to
// the built-in sets, mirroring how formats are configured in run configs.
type Config struct {
	Parser  string   `yaml:"parser"`
	WriteTo []string `yaml:"write_to"`
	// MinInterval is given in fractional seconds, matching run configs.
	MinInterval float64 `yaml:"min_interval"`
}

// Reporter aggregates and emits progress reports for one work session.
type Reporter struct {
	source  Source
	log     zerolog.Logger
	formats map[string]*Format

	consoleOut io.Writer
	reportPath string
	suppressCR bool

	bar      *progressbar.ProgressBar
	barScale int64

	runtimes  []time.Duration
	exitCodes map[int]int
}

// Option adjusts a Reporter at construction time.
type Option func(*Reporter)

// WithConsoleOut redirects console output, mainly for tests.
func WithConsoleOut(w io.Writer) Option {
	return func(r *Reporter) { r.consoleOut = w }
}

// WithReportFile sets the path of the append-only report file used by the
// "file" writer.
func WithReportFile(path string) Option {
	return func(r *Reporter) { r.reportPath = path }
}

// New creates a Reporter with the default report formats registered:
// "while_working" (throttled console progress bar) and "after_work"
// (summary to console, log and report file).
func New(source Source, log zerolog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		source:     source,
		log:        log.With().Str("component", "reporter").Logger(),
		formats:    make(map[string]*Format),
		consoleOut: os.Stderr,
		barScale:   1000,
		exitCodes:  make(map[int]int),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mustAdd("while_working", Config{
		Parser:      "progress_bar",
		WriteTo:     []string{"console"},
		MinInterval: 0.1,
	})
	r.mustAdd("after_work", Config{
		Parser:  "summary",
		WriteTo: []string{"console", "log", "file"},
	})
	return r
}

func (r *Reporter) mustAdd(name string, cfg Config) {
	if err := r.AddFormat(name, cfg); err != nil {
		panic(err)
	}
}

// AddFormat registers (or replaces) a report format.
func (r *Reporter) AddFormat(name string, cfg Config) error {
	parser, err := r.resolveParser(cfg.Parser)
	if err != nil {
		return fmt.Errorf("report format %q: %w", name, err)
	}
	writers := make([]WriterFunc, 0, len(cfg.WriteTo))
	for _, w := range cfg.WriteTo {
		wf, err := r.resolveWriter(w)
		if err != nil {
			return fmt.Errorf("report format %q: %w", name, err)
		}
		writers = append(writers, wf)
	}
	if len(writers) == 0 {
		writers = append(writers, writeToConsole)
	}
	r.formats[name] = &Format{
		name:        name,
		parser:      parser,
		writers:     writers,
		minInterval: time.Duration(cfg.MinInterval * float64(time.Second)),
	}
	return nil
}

// HasFormat reports whether a format with that name is registered.
func (r *Reporter) HasFormat(name string) bool {
	_, ok := r.formats[name]
	return ok
}

// Report invokes the named report format, subject to its throttle. Returns
// false if the format is unknown, throttled or failed to write. With force,
// the throttle is bypassed.
func (r *Reporter) Report(name string, force bool) bool {
	f, ok := r.formats[name]
	if !ok {
		return false
	}
	now := time.Now()
	if !force && f.minInterval > 0 && now.Sub(f.lastReport) < f.minInterval {
		return false
	}
	f.lastReport = now

	text := f.parser(r)
	if text == "" {
		return true
	}
	ok = true
	for _, w := range f.writers {
		if err := w(r, text); err != nil {
			r.log.Warn().Err(err).Str("format", name).Msg("report writer failed")
			ok = false
		}
	}
	return ok
}

// RegisterTask records a finished task for runtime statistics and exit-code
// bookkeeping. Skipped tasks contribute no runtime.
func (r *Reporter) RegisterTask(t *task.Task) {
	if rt := t.Runtime(); rt > 0 {
		r.runtimes = append(r.runtimes, rt)
	}
	if t.Status() == task.StatusFinished || t.Status() == task.StatusStopped {
		r.exitCodes[t.ExitCode()]++
	}
}

// SuppressCR disables the overwriting console progress line, e.g. while log
// messages or forwarded worker output need the console. The progress bar is
// cleared once on suppression.
func (r *Reporter) SuppressCR(suppress bool) {
	if suppress && !r.suppressCR && r.bar != nil {
		_ = r.bar.Clear()
	}
	r.suppressCR = suppress
}

// Elapsed is the wall time since the work session started.
func (r *Reporter) Elapsed() time.Duration {
	started := r.source.StartedAt()
	if started.IsZero() {
		return 0
	}
	return time.Since(started).Round(time.Millisecond)
}

// EstimatedLeft projects the remaining duration from elapsed time and
// current progress; zero if no progress was made yet.
func (r *Reporter) EstimatedLeft() time.Duration {
	p := r.source.Progress()
	if p <= 0 {
		return 0
	}
	elapsed := r.Elapsed()
	return time.Duration(float64(elapsed) * (1 - p) / p).Round(time.Millisecond)
}

func (r *Reporter) ensureReportDir() error {
	if r.reportPath == "" {
		return fmt.Errorf("no report file configured")
	}
	return os.MkdirAll(filepath.Dir(r.reportPath), 0o755)
}
