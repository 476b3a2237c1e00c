package opensky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenState is where the channel stands in its authentication flow.
type tokenState int

const (
	// stateNone: no token and no request underway
	stateNone tokenState = iota

	// stateGettingToken: a token request is in flight
	stateGettingToken

	// stateGetPlanes: holding a usable token, fetching live data
	stateGetPlanes
)

// tokenSafetyMargin is subtracted from the advertised expiry so a token
// is refreshed before it actually lapses mid-request.
const tokenSafetyMargin = 60 * time.Second

// ErrInvalidCredentials is returned when the auth server rejects the
// configured client id/secret. Retrying will not help; the channel shuts
// itself off.
var ErrInvalidCredentials = errors.New("invalid OpenSky credentials")

// tokenSource fetches and caches the OAuth2 client-credentials token.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu     sync.Mutex
	state  tokenState
	token  string
	expiry time.Time
}

func newTokenSource(tokenURL, clientID, clientSecret string) *tokenSource {
	return &tokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

// configured reports whether credentials are present at all. Without them
// the channel uses anonymous access and its lower quota.
func (t *tokenSource) configured() bool {
	return t.clientID != "" && t.clientSecret != ""
}

// state returns the current flow state for status output.
func (t *tokenSource) currentState() tokenState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// invalidate drops the cached token, forcing a fresh request next time.
// Called after the API answers 401 to a supposedly valid token.
func (t *tokenSource) invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.state = stateNone
	t.mu.Unlock()
}

// get returns a usable bearer token, requesting a new one when the cached
// token is missing or about to expire.
func (t *tokenSource) get(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.token != "" && time.Now().Before(t.expiry) {
		tok := t.token
		t.mu.Unlock()
		return tok, nil
	}
	t.state = stateGettingToken
	t.mu.Unlock()

	tok, expiry, err := t.fetch(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = stateNone
		return "", err
	}
	t.token = tok
	t.expiry = expiry
	t.state = stateGetPlanes
	return tok, nil
}

// fetch performs the client-credentials request.
func (t *tokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	// 400/401 from the auth server means the credentials themselves are
	// bad; anything else server-side is transient
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response carried no access_token")
	}

	expiry := tokenExpiry(body.AccessToken, body.ExpiresIn)
	return body.AccessToken, expiry, nil
}

// tokenExpiry derives the refresh deadline: expires_in when present,
// otherwise the exp claim inside the JWT itself, otherwise a conservative
// five minutes.
func tokenExpiry(token string, expiresIn int) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
	}

	parser := jwt.NewParser()
	if parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-tokenSafetyMargin)
		}
	}
	return time.Now().Add(5 * time.Minute)
}
