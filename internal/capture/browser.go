package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPageLoadTimeout is returned by Browser.Navigate when the page did not
	// finish loading within the per-navigation timeout. Not fatal on its own.
	ErrPageLoadTimeout = errors.New("capture: page load timed out")
	// ErrElementTimeout is returned by Browser.WaitReady when the selector
	// did not appear in time.
	ErrElementTimeout = errors.New("capture: element wait timed out")
)

// Browser is one automation session (a single tab).
type Browser interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitReady(ctx context.Context, selector string, timeout time.Duration) error
	ReadRows(ctx context.Context, selector string) ([]Row, error)
	PageSource(ctx context.Context) (string, error)
	Close() error
}

// Launcher opens browser sessions. Every opened session must be closed.
type Launcher interface {
	Open(ctx context.Context) (Browser, error)
}
