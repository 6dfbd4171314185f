package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrAuthorizationTimeout is returned when no redirect reaches the local
// callback server before the deadline.
var ErrAuthorizationTimeout = errors.New("authorization timed out")

// LocalServerAuthorizer runs the installed-app flow: the user approves access
// in a browser and Google redirects to a short-lived loopback server.
type LocalServerAuthorizer struct {
	// Addr is the listen address. Defaults to 127.0.0.1:0 (random port).
	Addr string
	// Timeout bounds the wait for the redirect. Defaults to 5 minutes.
	Timeout time.Duration
	// Prompt shows the consent URL to the user. Defaults to printing it.
	Prompt func(authURL string)
}

// Authorize implements Authorizer.
func (a *LocalServerAuthorizer) Authorize(ctx context.Context, oauthConfig *oauth2.Config) (*oauth2.Token, error) {
	addr := a.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	prompt := a.Prompt
	if prompt == nil {
		prompt = printPrompt
	}

	state := uuid.NewString()

	// Start local server to receive callback
	redirectURL, codeChan, errorChan, shutdown, err := startLocalServer(addr, state)
	if err != nil {
		return nil, err
	}
	defer shutdown()

	// The caller's config is shared; only this flow uses the loopback redirect.
	flowConfig := *oauthConfig
	flowConfig.RedirectURL = redirectURL

	prompt(flowConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Wait for the authorization code
	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, fmt.Errorf("failed to receive authorization code: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response received within %s", ErrAuthorizationTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := flowConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

func printPrompt(authURL string) {
	fmt.Println("Please visit the following URL to authorize the application:")
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization...")
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Only the first redirect is honoured. The returned function stops the server.
func startLocalServer(addr, state string) (string, <-chan string, <-chan error, func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, nil, nil, fmt.Errorf("failed to start local server: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	reportError := func(err error) {
		select {
		case errorChan <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Browsers also ask for /favicon.ico and the like.
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		switch {
		case query.Get("error") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", query.Get("error"))
			reportError(fmt.Errorf("authorization error: %s", query.Get("error")))
		case query.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			reportError(errors.New("state mismatch in authorization callback"))
		case query.Get("code") == "":
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			reportError(errors.New("no authorization code received"))
		default:
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			select {
			case codeChan <- query.Get("code"):
			default:
			}
		}
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			reportError(fmt.Errorf("server error: %w", err))
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	return redirectURL, codeChan, errorChan, shutdown, nil
}
