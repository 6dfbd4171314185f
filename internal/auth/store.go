package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// ErrCorruptCredential is returned by FileStore.Load when the stored file
// exists but cannot be parsed.
var ErrCorruptCredential = errors.New("corrupt credential file")

// Credential is the persisted OAuth material. The JSON layout matches
// Google's "authorized user" files so a refresh needs only this file.
type Credential struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func newCredential(config *oauth2.Config, token *oauth2.Token) *Credential {
	c := &Credential{
		TokenURI:     config.Endpoint.TokenURL,
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Scopes:       append([]string(nil), config.Scopes...),
	}
	c.update(token)
	return c
}

// OAuthToken returns the credential as an oauth2 token.
func (c *Credential) OAuthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.Token,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// Valid reports whether the access token is present and not expired.
func (c *Credential) Valid() bool {
	return c != nil && c.OAuthToken().Valid()
}

// Config returns the OAuth client configuration needed to refresh c.
func (c *Credential) Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.TokenURI,
		},
	}
}

// update copies a freshly issued token into c. The refresh token is kept
// when the server does not rotate it.
func (c *Credential) update(token *oauth2.Token) {
	c.Token = token.AccessToken
	if token.RefreshToken != "" {
		c.RefreshToken = token.RefreshToken
	}
	c.Expiry = token.Expiry
}

// TokenStore is an interface for saving and loading credentials.
type TokenStore interface {
	Save(cred *Credential) error
	Load() (*Credential, error)
	Delete() error
}

// FileStore is a file-based implementation of credential storage.
type FileStore struct {
	Path string
}

// NewFileStore creates a new FileStore with the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Save writes cred to store.Path, replacing any previous content.
func (store *FileStore) Save(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	// Write to a sibling file first so a crash never leaves a truncated token.
	tmp, err := os.CreateTemp(filepath.Dir(store.Path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), store.Path); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// Load reads the credential at store.Path.
// Returns nil, nil if the file does not exist and ErrCorruptCredential if it
// cannot be parsed.
func (store *FileStore) Load() (*Credential, error) {
	data, err := os.ReadFile(store.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
	}
	if cred.Token == "" && cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no token material", ErrCorruptCredential)
	}

	return &cred, nil
}

// Delete removes the stored credential. A missing file is not an error.
func (store *FileStore) Delete() error {
	if err := os.Remove(store.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
