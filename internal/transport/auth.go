package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryMargin renews tokens this long before they expire
const expiryMargin = time.Minute

// Credentials identify an installed package on one tenant
type Credentials struct {
	AuthURL      string
	ClientID     string
	ClientSecret string
	AccountID    string
}

// Token is an access token and the REST endpoint it is valid for
type Token struct {
	AccessToken string
	RestURL     string
	Expiry      time.Time
}

// Valid reports whether the token can still be used at now
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Add(expiryMargin).Before(t.Expiry)
}

// TokenSource fetches and caches client-credentials tokens
type TokenSource struct {
	creds  Credentials
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewTokenSource creates a token source
func NewTokenSource(creds Credentials, client *http.Client) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenSource{creds: creds, client: client, now: time.Now}
}

type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	ExpiresIn       int    `json:"expires_in"`
	RestInstanceURL string `json:"rest_instance_url"`
}

// Token returns a cached token or requests a new one
func (s *TokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid(s.now()) {
		return s.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     s.creds.ClientID,
		"client_secret": s.creds.ClientSecret,
		"account_id":    s.creds.AccountID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.AuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("auth failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("auth response has no access_token")
	}

	expiry, err := tokenExpiry(tr, s.now())
	if err != nil {
		return nil, err
	}

	s.token = &Token{
		AccessToken: tr.AccessToken,
		RestURL:     tr.RestInstanceURL,
		Expiry:      expiry,
	}
	return s.token, nil
}

// tokenExpiry prefers expires_in and falls back to the JWT exp claim. The
// signature is not checked; the token is only ever sent back to its issuer.
func tokenExpiry(tr tokenResponse, now time.Time) (time.Time, error) {
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second), nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("token has no expires_in and is not a JWT: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}
	return exp.Time, nil
}
