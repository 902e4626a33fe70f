package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

var (
	// ErrExtractionTimeout means the overall budget ran out before the day's
	// table could be read.
	ErrExtractionTimeout = errors.New("capture: extraction timed out")
	// ErrExtractionIncomplete means the table was read but at least one
	// required label was missing or malformed.
	ErrExtractionIncomplete = errors.New("capture: extraction incomplete")
	// ErrCancelled means the caller's context was cancelled mid-extraction.
	ErrCancelled = errors.New("capture: extraction cancelled")
	// ErrBrowser covers session failures other than timeouts: the browser
	// could not start, navigation failed outright, scripting failed.
	ErrBrowser = errors.New("capture: browser failure")
)

// DefaultTableSelector locates the time table body on the results page.
const DefaultTableSelector = "#results table.table > tbody"

// DumpFileName is the file written to Options.DumpDir when the table for
// date never appears.
func DumpFileName(date model.Date) string {
	return "timeout_page_source-" + date.String() + ".html"
}

// minTableWait is the floor for the data-ready wait, even when the overall
// budget is nearly spent.
const minTableWait = time.Second

// Phase names a step of a single extraction.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseNavigate       Phase = "navigate"
	PhaseDelayForRender Phase = "delay_for_render"
	PhaseAwaitDataReady Phase = "await_data_ready"
	PhaseParseRows      Phase = "parse_rows"
	PhaseValidate       Phase = "validate"
)

// Options configures an Extractor.
type Options struct {
	BaseURL       string
	TableSelector string
	Overall       time.Duration
	PageLoad      time.Duration
	RenderDelay   time.Duration
	// DumpDir receives the page source on a table timeout. Empty disables.
	DumpDir string
}

// Extractor reads one day's time table per call.
type Extractor struct {
	opts     Options
	defs     []model.PrayerDefinition
	labels   map[string]struct{}
	launcher Launcher

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewExtractor returns an Extractor for defs that opens a fresh browser
// session per Extract call.
func NewExtractor(opts Options, defs []model.PrayerDefinition, launcher Launcher) *Extractor {
	if opts.TableSelector == "" {
		opts.TableSelector = DefaultTableSelector
	}
	return &Extractor{
		opts:     opts,
		defs:     defs,
		labels:   model.Labels(defs),
		launcher: launcher,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// extraction is the state of one Extract call.
type extraction struct {
	e     *Extractor
	date  model.Date
	url   string
	start time.Time
}

func (x *extraction) elapsed() time.Duration { return x.e.now().Sub(x.start) }

func (x *extraction) remaining() time.Duration { return x.e.opts.Overall - x.elapsed() }

// enter checks cancellation and the overall deadline before moving to next.
func (x *extraction) enter(ctx context.Context, next Phase) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: before %s", ErrCancelled, next)
	}
	if el := x.elapsed(); el > x.e.opts.Overall {
		return fmt.Errorf("%w: %s exceeded %s before %s", ErrExtractionTimeout, el.Round(time.Millisecond), x.e.opts.Overall, next)
	}
	appLog.Debug("extraction phase", "date", x.date.String(), "phase", string(next), "elapsed", x.elapsed().String())
	return nil
}

// interrupted maps a browser error to ErrCancelled when ctx is done.
func interrupted(ctx context.Context, phase Phase, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: during %s", ErrCancelled, phase)
	}
	return fmt.Errorf("%w: %s: %v", ErrBrowser, phase, err)
}

// Extract loads the time table for loc on date and returns a start/end pair
// for every definition. The browser session is always released before
// returning.
func (e *Extractor) Extract(ctx context.Context, loc model.OperatingLocation, date model.Date) (map[string]model.EntryPair, error) {
	x := &extraction{
		e:     e,
		date:  date,
		url:   QueryURL(e.opts.BaseURL, loc, date),
		start: e.now(),
	}

	if err := x.enter(ctx, PhaseInit); err != nil {
		return nil, err
	}
	browser, err := e.launcher.Open(ctx)
	if err != nil {
		return nil, interrupted(ctx, PhaseInit, err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			appLog.Warn("browser close failed", "err", cerr.Error())
		}
	}()

	if err := x.enter(ctx, PhaseNavigate); err != nil {
		return nil, err
	}
	appLog.Info("loading time table", "date", date.String(), "url", x.url)
	navTimeout := min(e.opts.PageLoad, x.remaining())
	if err := browser.Navigate(ctx, x.url, navTimeout); err != nil {
		if !errors.Is(err, ErrPageLoadTimeout) {
			return nil, interrupted(ctx, PhaseNavigate, err)
		}
		appLog.Warn("page load timed out, continuing", "date", date.String(), "timeout", navTimeout.String())
	}

	if err := x.enter(ctx, PhaseDelayForRender); err != nil {
		return nil, err
	}
	if err := e.sleep(ctx, e.opts.RenderDelay); err != nil {
		return nil, fmt.Errorf("%w: during %s", ErrCancelled, PhaseDelayForRender)
	}

	if err := x.enter(ctx, PhaseAwaitDataReady); err != nil {
		return nil, err
	}
	wait := max(minTableWait, x.remaining())
	if err := browser.WaitReady(ctx, e.opts.TableSelector, wait); err != nil {
		if !errors.Is(err, ErrElementTimeout) {
			return nil, interrupted(ctx, PhaseAwaitDataReady, err)
		}
		e.dumpPage(ctx, browser, date)
		return nil, fmt.Errorf("%w: table %q not found within %s", ErrExtractionTimeout, e.opts.TableSelector, wait)
	}

	if err := x.enter(ctx, PhaseParseRows); err != nil {
		return nil, err
	}
	rows, err := browser.ReadRows(ctx, e.opts.TableSelector)
	if err != nil {
		return nil, interrupted(ctx, PhaseParseRows, err)
	}
	entries := ParseRows(rows, e.labels)

	if err := x.enter(ctx, PhaseValidate); err != nil {
		return nil, err
	}
	pairs, missing := PairEntries(e.defs, entries)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrExtractionIncomplete, strings.Join(missing, ", "))
	}

	appLog.Info("time table extracted", "date", date.String(), "rows", len(rows), "elapsed", x.elapsed().Round(time.Millisecond).String())
	return pairs, nil
}

func (e *Extractor) dumpPage(ctx context.Context, browser Browser, date model.Date) {
	if e.opts.DumpDir == "" {
		return
	}
	src, err := browser.PageSource(ctx)
	if err != nil {
		appLog.Warn("page source unavailable for dump", "date", date.String(), "err", err.Error())
		return
	}
	if err := os.MkdirAll(e.opts.DumpDir, 0o755); err != nil {
		appLog.Error("create dump dir failed", err, "dir", e.opts.DumpDir)
		return
	}
	path := filepath.Join(e.opts.DumpDir, DumpFileName(date))
	if err := renameio.WriteFile(path, []byte(src), 0o644); err != nil {
		appLog.Error("write page dump failed", err, "path", path)
		return
	}
	appLog.Info("page source dumped", "date", date.String(), "path", path)
}
