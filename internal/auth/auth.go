// Package auth obtains and caches the bearer credential used for every
// upstream call, via the OAuth2 client-credentials grant.
package auth

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

	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/ratelimit"
)

// ErrExchange marks a rejected client-credentials exchange. There is no
// internal retry; the failure is fatal to the calling cycle.
var ErrExchange = errors.New("token exchange failed")

// Credential is the cached bearer token. It is replaced wholesale on
// refresh, never mutated field by field.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource performs exchanges through the shared rate limiter and
// hands out Authorization header values.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	limiter      *ratelimit.Limiter
	logger       *logrus.Logger

	mu   sync.Mutex
	cred *Credential

	now func() time.Time
}

func NewTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client, limiter *ratelimit.Limiter, logger *logrus.Logger) *TokenSource {
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		limiter:      limiter,
		logger:       logger,
		now:          time.Now,
	}
}

// EnsureFresh exchanges credentials if there is no cached token or the
// cached one has expired. The lock is held across check and exchange, so
// concurrent first users perform exactly one exchange.
func (s *TokenSource) EnsureFresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred != nil && s.now().Before(s.cred.ExpiresAt) {
		return nil
	}

	cred, err := s.exchange(ctx)
	if err != nil {
		return err
	}
	s.cred = cred
	s.logger.WithField("expires_at", cred.ExpiresAt.Format(time.RFC3339)).Debug("access token refreshed")
	return nil
}

// Header returns the Authorization header value for the cached
// credential. Callers must have called EnsureFresh first; before any
// successful exchange the returned header is not valid.
func (s *TokenSource) Header() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return "Bearer "
	}
	return "Bearer " + s.cred.AccessToken
}

func (s *TokenSource) exchange(ctx context.Context) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	req.SetBasicAuth(s.clientID, s.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tr tokenResponse
	err = s.limiter.Do(ctx, func() error {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExchange, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrExchange, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrExchange, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Expiry is exchange time plus the server-declared lifetime, with no
	// clock-skew buffer.
	return &Credential{
		AccessToken: tr.AccessToken,
		ExpiresAt:   s.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
