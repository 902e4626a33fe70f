package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeLauncher starts a headless Chromium through chromedp.
type ChromeLauncher struct {
	// ExecPath overrides the browser binary. Empty means chromedp's lookup
	// of the usual chrome/chromium names on PATH.
	ExecPath string

	// Headful disables headless mode. Only useful when debugging a
	// time-table layout change on a desktop machine.
	Headful bool
}

// Open allocates a browser process and a single tab. The browser lives until
// Close is called or ctx is cancelled, whichever comes first.
//
// The first chromedp.Run on the tab context starts the browser; it must not
// carry a timeout, otherwise the browser would be torn down when the timeout
// fires. Per-operation timeouts are applied on derived contexts instead.
func (l ChromeLauncher) Open(ctx context.Context) (Browser, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("log-level", "3"))
	if l.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("capture: start browser: %w", err)
	}

	return &chromeBrowser{
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closed      bool
}

// run executes actions on the tab, bounded by timeout (when positive) and by
// the caller's ctx.
func (b *chromeBrowser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url. When the load event does not arrive within timeout the
// page is told to stop loading, leaving whatever has rendered so far in place.
func (b *chromeBrowser) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	err := b.run(ctx, timeout, chromedp.Navigate(url))
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stopErr := b.run(ctx, 2*time.Second, page.StopLoading()); stopErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrPageLoadTimeout
}

func (b *chromeBrowser) WaitReady(ctx context.Context, selector string, timeout time.Duration) error {
	err := b.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrElementTimeout
	}
	return err
}

// rowsScript collects, for every <tr> under the selector that has at least
// three cells: the text of the first <b> in cell one (or ""), the text of
// cell two and the text of cell three.
const rowsScript = `Array.from(document.querySelectorAll(%s)).map(function (tr) {
	var td = tr.querySelectorAll("td");
	if (td.length < 3) { return null; }
	var b = td[0].querySelector("b");
	return [b ? b.innerText : "", td[1].innerText, td[2].innerText];
}).filter(function (r) { return r !== null; })`

func (b *chromeBrowser) ReadRows(ctx context.Context, selector string) ([]Row, error) {
	var cells [][]string
	js := fmt.Sprintf(rowsScript, strconv.Quote(selector+" > tr"))
	if err := b.run(ctx, 0, chromedp.Evaluate(js, &cells)); err != nil {
		return nil, fmt.Errorf("capture: read rows: %w", err)
	}

	rows := make([]Row, 0, len(cells))
	for _, c := range cells {
		if len(c) < 3 {
			continue
		}
		rows = append(rows, Row{Label: c[0], Time: c[1], Offset: c[2]})
	}
	return rows, nil
}

func (b *chromeBrowser) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := b.run(ctx, 5*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capture: page source: %w", err)
	}
	return html, nil
}

// Close shuts the browser down gracefully and releases the allocator. Safe to
// call more than once.
func (b *chromeBrowser) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := chromedp.Cancel(b.ctx)
	b.tabCancel()
	b.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
