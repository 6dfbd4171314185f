package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kac/caldb/internal/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

var (
	// ErrMissingClientSecret means no stored credential could be used and the
	// client secret file needed for interactive authorization does not exist.
	ErrMissingClientSecret = errors.New("client secret file not found")

	// ErrAuthorizationFailed means the token could not be refreshed and
	// interactive authorization did not succeed within its retry budget.
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// authAttempts is the total number of tries (refresh included) before
// authentication is given up.
const authAttempts = 2

// Authorizer obtains a brand new token from the user.
type Authorizer interface {
	Authorize(ctx context.Context, oauthConfig *oauth2.Config) (*oauth2.Token, error)
}

// Options configures a Manager.
type Options struct {
	// ClientSecretPath is the Google Cloud Console OAuth client JSON file.
	ClientSecretPath string
	// Scopes requested on interactive authorization. Defaults to read-only calendar access.
	Scopes []string
	// Authorizer runs the interactive flow. Nil disables interactive authorization.
	Authorizer Authorizer
	// HTTPTimeout bounds every token endpoint and API request.
	HTTPTimeout time.Duration
	Logger      *logging.Logger
}

// Manager owns the OAuth2 credential lifecycle.
type Manager struct {
	store            TokenStore
	clientSecretPath string
	scopes           []string
	authorizer       Authorizer
	httpTimeout      time.Duration
	log              *logging.Logger
}

// NewManager creates a Manager persisting credentials in store.
func NewManager(store TokenStore, opts Options) *Manager {
	m := &Manager{
		store:            store,
		clientSecretPath: opts.ClientSecretPath,
		scopes:           opts.Scopes,
		authorizer:       opts.Authorizer,
		httpTimeout:      opts.HTTPTimeout,
		log:              opts.Logger,
	}
	if len(m.scopes) == 0 {
		m.scopes = []string{calendar.CalendarReadonlyScope}
	}
	if m.httpTimeout <= 0 {
		m.httpTimeout = 30 * time.Second
	}
	if m.log == nil {
		m.log = logging.Discard()
	}
	return m
}

// Load returns the stored credential, or nil if there is none. A corrupt
// file is deleted and treated as absent.
func (m *Manager) Load() (*Credential, error) {
	cred, err := m.store.Load()
	if errors.Is(err, ErrCorruptCredential) {
		m.log.Warnf("%v; re-authenticating", err)
		if err := m.store.Delete(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return cred, err
}

// EnsureValid returns a usable credential: the stored one if still valid, a
// refreshed one if it had expired, or a new one from the interactive flow.
// Every newly obtained credential is persisted before it is returned.
func (m *Manager) EnsureValid(ctx context.Context) (*Credential, error) {
	cred, err := m.Load()
	if err != nil {
		return nil, err
	}
	if cred.Valid() {
		m.log.Debugf("using stored credential (expires %s)", cred.Expiry.Format(time.RFC3339))
		return cred, nil
	}

	ctx = m.withHTTPClient(ctx)
	failures := 0

	if cred != nil && cred.RefreshToken != "" {
		m.log.Infof("Token expired, refreshing.")
		err := m.refresh(ctx, cred)
		if err == nil {
			if err := m.store.Save(cred); err != nil {
				return nil, fmt.Errorf("failed to save refreshed token: %w", err)
			}
			return cred, nil
		}

		failures++
		m.log.Warnf("token refresh failed, discarding stored token and restarting authorization: %v", err)
		if err := m.store.Delete(); err != nil {
			return nil, err
		}
	}

	oauthConfig, err := m.clientConfig()
	if err != nil {
		return nil, err
	}
	if m.authorizer == nil {
		return nil, fmt.Errorf("%w: no valid stored token and interactive authorization is disabled", ErrAuthorizationFailed)
	}

	var lastErr error
	for ; failures < authAttempts; failures++ {
		token, err := m.authorizer.Authorize(ctx, oauthConfig)
		if err == nil {
			cred := newCredential(oauthConfig, token)
			if err := m.store.Save(cred); err != nil {
				return nil, fmt.Errorf("failed to save token: %w", err)
			}
			m.log.Infof("Authorization successful.")
			return cred, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.log.Warnf("authorization attempt failed: %v", err)
	}

	return nil, fmt.Errorf("%w: %w", ErrAuthorizationFailed, lastErr)
}

// Client returns an authenticated HTTP client. Tokens refreshed while the
// client is in use are persisted automatically.
func (m *Manager) Client(ctx context.Context) (*http.Client, error) {
	cred, err := m.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	ctx = m.withHTTPClient(ctx)
	token := cred.OAuthToken()

	// Wrap the token source to auto-save refreshed tokens
	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, cred.Config().TokenSource(ctx, token)),
		tokenStore: m.store,
		credential: cred,
		lastToken:  token,
	}

	client := oauth2.NewClient(ctx, autoSaveSource)
	client.Timeout = m.httpTimeout
	return client, nil
}

func (m *Manager) refresh(ctx context.Context, cred *Credential) error {
	// An empty access token forces the token source to hit the token endpoint.
	token, err := cred.Config().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return err
	}
	cred.update(token)
	return nil
}

// clientConfig reads the client secret file. It never touches the network.
func (m *Manager) clientConfig() (*oauth2.Config, error) {
	data, err := os.ReadFile(m.clientSecretPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (download the OAuth 2.0 Client ID JSON from Google Cloud Console)", ErrMissingClientSecret, m.clientSecretPath)
		}
		return nil, fmt.Errorf("failed to read client secret file: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(data, m.scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client secret file: %w", err)
	}
	return oauthConfig, nil
}

func (m *Manager) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: m.httpTimeout})
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	credential *Credential
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		a.credential.update(token)
		if err := a.tokenStore.Save(a.credential); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}
