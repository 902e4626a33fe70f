package gcal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	appLog "prayersync/internal/log"
	"prayersync/internal/reconcile"
)

// Scope is the OAuth scope requested for event read/write.
const Scope = calendar.CalendarEventsScope

// LoadOAuthConfig reads an installed-app client secrets file. A non-empty
// redirectURI overrides the one in the file.
func LoadOAuthConfig(credentialsPath, redirectURI string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read client secrets %s: %w", reconcile.ErrAuthentication, credentialsPath, err)
	}
	cfg, err := google.ConfigFromJSON(data, Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: parse client secrets %s: %w", reconcile.ErrAuthentication, credentialsPath, err)
	}
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}
	return cfg, nil
}

// LoadToken reads a cached token. A missing file wraps
// reconcile.ErrAuthentication.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no token at %s, run with -authorize", reconcile.ErrAuthentication, path)
		}
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: token %s: %w", reconcile.ErrAuthentication, path, err)
	}
	return &tok, nil
}

// SaveToken writes tok atomically with 0600 permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o600)
}

// TokenSource returns a refreshing token source for the cached token at
// path. Refreshed tokens are written back to path.
func TokenSource(ctx context.Context, cfg *oauth2.Config, path string) (oauth2.TokenSource, error) {
	tok, err := LoadToken(path)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		base: cfg.TokenSource(ctx, tok),
		path: path,
		last: tok.AccessToken,
	}, nil
}

type persistingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		if rejected(err) {
			return nil, fmt.Errorf("%w: %w", reconcile.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("gcal: token refresh: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := SaveToken(p.path, tok); err != nil {
			appLog.Error("persist refreshed token failed", err, "path", p.path)
		} else {
			appLog.Info("oauth token refreshed", "path", p.path, "expiry", tok.Expiry.Format(time.RFC3339))
		}
	}
	return tok, nil
}

// rejected reports whether the token endpoint refused the grant (a 4xx such
// as invalid_grant). Network failures and 5xx answers are transient.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.Response != nil {
		return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
	}
	return re.ErrorCode != ""
}

// Authorize runs the installed-app flow: it serves the redirect URI
// locally, hands the consent URL to prompt, waits for the browser to come
// back with a code and stores the exchanged token at tokenPath.
func Authorize(ctx context.Context, cfg *oauth2.Config, tokenPath string, prompt func(authURL string)) error {
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil || redirect.Host == "" {
		return fmt.Errorf("gcal: invalid redirect uri %q", cfg.RedirectURL)
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("gcal: listen on %s: %w", redirect.Host, err)
	}

	state, err := randomState()
	if err != nil {
		ln.Close()
		return err
	}
	verifier := oauth2.GenerateVerifier()

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	deliver := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	path := redirect.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization denied: "+e, http.StatusForbidden)
			deliver(result{err: fmt.Errorf("%w: consent denied: %s", reconcile.ErrAuthentication, e)})
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintln(w, "Authorization complete. You can close this window.")
		deliver(result{code: code})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(result{err: fmt.Errorf("gcal: redirect server: %w", err)})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	prompt(cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	))

	var res result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("%w: exchange code: %w", reconcile.ErrAuthentication, err)
	}
	if err := SaveToken(tokenPath, tok); err != nil {
		return fmt.Errorf("gcal: save token: %w", err)
	}
	appLog.Info("authorization stored", "path", tokenPath)
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
