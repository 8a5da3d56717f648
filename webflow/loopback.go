package webflow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// LoopbackBroker runs the authorization UI through the system browser and a
// local redirect listener: Authorize opens the provider's page, the provider
// redirects to this listener, and the captured URL is handed to the Completer.
type LoopbackBroker struct {
	addr      string
	logger    *slog.Logger
	completer Completer
	openURL   func(url string) error

	mu      sync.Mutex
	pending map[string]Request
	srv     *http.Server
}

// NewLoopbackBroker constructs a broker listening on addr. Wire the completer
// with SetCompleter before Start; the registry is constructed after the broker
// but needs it as a dependency.
func NewLoopbackBroker(addr string, logger *slog.Logger) *LoopbackBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &LoopbackBroker{
		addr:    addr,
		logger:  logger,
		pending: make(map[string]Request),
	}
	b.openURL = openBrowser
	return b
}

// SetCompleter wires the receiver of redirect results.
func (b *LoopbackBroker) SetCompleter(c Completer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completer = c
}

// RedirectURL is the callback URL accounts should register with their
// provider.
func (b *LoopbackBroker) RedirectURL() string {
	return "http://" + b.addr + "/callback"
}

// Start begins serving the redirect listener.
func (b *LoopbackBroker) Start() error {
	r := chi.NewRouter()
	r.Get("/callback", b.handleCallback)

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.addr, err)
	}
	b.srv = &http.Server{
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	go func() {
		if err := b.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("redirect listener failed", "error", err)
		}
	}()
	b.logger.Info("redirect listener started", "addr", b.addr)
	return nil
}

// Shutdown stops the redirect listener.
func (b *LoopbackBroker) Shutdown(ctx context.Context) error {
	if b.srv == nil {
		return nil
	}
	return b.srv.Shutdown(ctx)
}

// Authorize records the outstanding request and opens the browser.
func (b *LoopbackBroker) Authorize(ctx context.Context, req Request) error {
	b.mu.Lock()
	if b.completer == nil {
		b.mu.Unlock()
		return fmt.Errorf("webflow: broker has no completer wired")
	}
	b.pending[req.State] = req
	b.mu.Unlock()

	if err := b.openURL(req.AuthorizationURL); err != nil {
		b.mu.Lock()
		delete(b.pending, req.State)
		b.mu.Unlock()
		return fmt.Errorf("open browser: %w", err)
	}
	b.logger.Info("authorization page opened", "account", req.CorrelationID)
	return nil
}

func (b *LoopbackBroker) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	b.mu.Lock()
	req, ok := b.pending[state]
	if ok {
		delete(b.pending, state)
	}
	completer := b.completer
	b.mu.Unlock()

	if !ok {
		http.Error(w, "unknown authorization state", http.StatusNotFound)
		return
	}

	result := RedirectResult{ResponseURL: "http://" + r.Host + r.URL.String()}
	if _, err := completer.CompleteAuthorization(r.Context(), req.CorrelationID, result); err != nil {
		b.logger.Error("authorization failed", "account", req.CorrelationID, "error", err)
		http.Error(w, "authorization failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><p>Authorization complete. You can close this window.</p></body></html>")
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
