// Package oauth provides the shared OAuth2 machinery for providers:
// authorization URL generation, code exchange, token refresh, and a local
// callback server for the browser leg of the flow.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Config for one provider's OAuth application.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
}

// Client handles OAuth2 authentication for one provider.
type Client struct {
	config *oauth2.Config
}

// NewClient creates a new OAuth client
func NewClient(cfg Config) *Client {
	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
	}
}

// IsConfigured reports whether a client id and secret are present.
func (c *Client) IsConfigured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != ""
}

// AuthURL returns the URL for user authorization
func (c *Client) AuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange exchanges the authorization code for tokens
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.config.Exchange(ctx, code)
}

// Refresh refreshes an expired token
func (c *Client) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return c.config.TokenSource(ctx, token).Token()
}

// HTTPClient returns an HTTP client that authenticates with the token.
func (c *Client) HTTPClient(ctx context.Context, token *oauth2.Token) *http.Client {
	return c.config.Client(ctx, token)
}

// StartFlow performs the complete OAuth flow with a local callback server.
// It prints the authorization URL for the user to open and blocks until the
// callback arrives or the timeout passes.
func (c *Client) StartFlow(ctx context.Context, providerID string, callbackPort int) (*oauth2.Token, error) {
	state := fmt.Sprintf("meridian-%s-%d", providerID, time.Now().UnixNano())

	server := NewCallbackServer(callbackPort, state)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start auth server: %w", err)
	}
	defer server.Stop(ctx)

	authURL := c.AuthURL(state)
	fmt.Printf("\nOpen this URL in your browser to authorize Meridian:\n\n%s\n\n", authURL)
	fmt.Println("Waiting for authorization...")

	code, err := server.WaitForCode(5 * time.Minute)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	token, err := c.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// CallbackServer handles the OAuth callback locally
type CallbackServer struct {
	server   *http.Server
	port     int
	state    string
	codeChan chan string
	errChan  chan error
}

// NewCallbackServer creates a local server for the OAuth callback. The
// callback is rejected unless it echoes the expected state.
func NewCallbackServer(port int, state string) *CallbackServer {
	return &CallbackServer{
		port:     port,
		state:    state,
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}
}

// Start starts the local auth server
func (s *CallbackServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.errChan <- err
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return nil
}

// WaitForCode waits for the OAuth callback
func (s *CallbackServer) WaitForCode(timeout time.Duration) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-time.After(timeout):
		return "", fmt.Errorf("OAuth timeout - no callback received within %v", timeout)
	}
}

// Stop stops the auth server
func (s *CallbackServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != s.state {
		s.errChan <- fmt.Errorf("OAuth state mismatch")
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		errMsg := r.URL.Query().Get("error")
		if errMsg == "" {
			errMsg = "unknown error"
		}
		s.errChan <- fmt.Errorf("OAuth error: %s", errMsg)
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	s.codeChan <- code

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `
		<!DOCTYPE html>
		<html>
		<head><title>Meridian - Connected</title></head>
		<body style="font-family: system-ui; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0;">
			<div style="text-align: center;">
				<h1>Account connected</h1>
				<p>You can close this window and return to Meridian.</p>
			</div>
		</body>
		</html>
	`)
}

// TokenToJSON serializes a token to JSON
func TokenToJSON(token *oauth2.Token) ([]byte, error) {
	return json.Marshal(token)
}

// TokenFromJSON deserializes a token from JSON
func TokenFromJSON(data []byte) (*oauth2.Token, error) {
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}
