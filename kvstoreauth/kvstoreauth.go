// Package kvstoreauth implements the on-prem authorization facade:
// username/password login against the secure store, mid-life renew, and
// logout at close, all behind the same authorizer.Authorizer contract
// cloudauth satisfies.
package kvstoreauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zalbiraw/nosqlauth/authorizer"
	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
)

// Authorizer is the on-prem implementation of authorizer.Authorizer: a
// login/renew/logout bearer-token state machine.
type Authorizer struct {
	http   *httpclient.Client
	cfg    Config
	logger *zap.SugaredLogger

	loginURL, renewURL, logoutURL string

	group singleflight.Group

	mu       sync.Mutex
	token    string
	expireAt time.Time
	timer    *time.Timer
	closed   bool
}

var _ authorizer.Authorizer = (*Authorizer)(nil)

type loginResponse struct {
	Token    string `json:"token"`
	ExpireAt int64  `json:"expireAt"`
}

// New validates cfg, builds the HTTP client, and returns an
// unauthenticated Authorizer; no login is attempted until the first
// GetAuthorization or PrecacheAuth call, unless cfg.PrecacheOnStartup
// is set.
func New(ctx context.Context, cfg Config) (*Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := httpclient.New(
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithTLSConfig(cfg.TLSConfig),
	)

	base := fmt.Sprintf("https://%s/%s/nosql/security", cfg.Endpoint, cfg.APIVersion)

	a := &Authorizer{
		http:      httpClient,
		cfg:       cfg,
		logger:    cfg.Logger.Sugar(),
		loginURL:  base + "/login",
		renewURL:  base + "/renew",
		logoutURL: base + "/logout",
	}

	if cfg.PrecacheOnStartup {
		if err := a.PrecacheAuth(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// GetAuthorization returns the on-prem bearer-token header, logging in
// if no token is cached, or re-logging in if req carries a
// RETRY_AUTHENTICATION hint not already handled once for this logical
// request.
func (a *Authorizer) GetAuthorization(ctx context.Context, req authorizer.Request) (map[string]string, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, authfail.New(authfail.IllegalState, "kvstoreauth: authorizer is closed")
	}

	forceRelogin := req.LastError != nil && req.LastError.Code == authorizer.CodeRetryAuthentication && !req.LastError.SeenOnce

	token, err := a.getToken(ctx, forceRelogin)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// PrecacheAuth logs in eagerly so the first data request does no
// synchronous work.
func (a *Authorizer) PrecacheAuth(ctx context.Context) error {
	_, err := a.getToken(ctx, false)
	return err
}

// Close cancels the renew timer and logs out of the store, swallowing
// any logout error. Idempotent.
func (a *Authorizer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	token := a.token
	a.mu.Unlock()

	if token != "" {
		headers := map[string]string{"Authorization": "Bearer " + token}
		if _, err := a.http.Get(context.Background(), a.logoutURL, headers); err != nil {
			a.logger.Warnw("kvstoreauth: logout failed", "error", err)
		}
	}
	a.http.CloseIdleConnections()
	return nil
}

func (a *Authorizer) getToken(ctx context.Context, forceRelogin bool) (string, error) {
	if !forceRelogin {
		a.mu.Lock()
		token := a.token
		a.mu.Unlock()
		if token != "" {
			return token, nil
		}
	}
	return a.login(ctx)
}

// login exchanges user/password for a bearer token. Concurrent callers
// coalesce into one HTTP round trip.
func (a *Authorizer) login(ctx context.Context) (string, error) {
	v, err, _ := a.group.Do("login", func() (any, error) {
		user, password, err := a.resolveCredentials(ctx)
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(password)

		headers := map[string]string{"Authorization": basicAuth(user, password)}
		resp, err := a.http.Get(ctx, a.loginURL, headers)
		if err != nil {
			return nil, err
		}

		var body loginResponse
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, authfail.Wrap(authfail.BadProtocolMessage, err, "failed to parse login response")
		}
		if body.Token == "" {
			return nil, authfail.New(authfail.BadProtocolMessage, "login response carried no token")
		}

		a.mu.Lock()
		a.token = body.Token
		a.expireAt = time.UnixMilli(body.ExpireAt)
		a.mu.Unlock()

		a.armRenewTimer()

		return body.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// renew extends the current session at half-life. Failure is non-fatal
// and not rescheduled; the next request that sees RETRY_AUTHENTICATION
// triggers a full re-login.
func (a *Authorizer) renew(ctx context.Context) {
	a.mu.Lock()
	closed := a.closed
	token := a.token
	a.mu.Unlock()
	if closed || token == "" {
		return
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	resp, err := a.http.Get(ctx, a.renewURL, headers)
	if err != nil {
		a.logger.Warnw("kvstoreauth: renew failed", "error", err)
		return
	}

	var body loginResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		a.logger.Warnw("kvstoreauth: renew response unparseable", "error", err)
		return
	}
	if body.Token == "" {
		a.logger.Warnw("kvstoreauth: renew response carried no token")
		return
	}

	a.mu.Lock()
	a.token = body.Token
	a.expireAt = time.UnixMilli(body.ExpireAt)
	a.mu.Unlock()

	a.armRenewTimer()
}

// armRenewTimer schedules renew at half the remaining session lifetime,
// unless AutoRenew is disabled or that point is already within
// NoRenewBeforeMs of expiry. The floor keeps a short-lived session from
// degenerating into a tight renew loop.
func (a *Authorizer) armRenewTimer() {
	if !a.cfg.AutoRenew {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}

	remaining := time.Until(a.expireAt)
	if remaining <= 0 {
		return
	}
	halfLife := remaining / 2
	if remaining-halfLife < time.Duration(a.cfg.NoRenewBeforeMs)*time.Millisecond {
		return
	}

	a.timer = time.AfterFunc(halfLife, func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
		defer cancel()
		a.renew(ctx)
	})
}

// resolveCredentials returns the user/password pair from cfg's
// configured source: direct fields, a JSON credentials file, or a
// callback.
func (a *Authorizer) resolveCredentials(ctx context.Context) (string, []byte, error) {
	if a.cfg.User != "" {
		return a.cfg.User, append([]byte(nil), a.cfg.Password...), nil
	}
	if a.cfg.CredentialsProvider != nil {
		user, password, err := a.cfg.CredentialsProvider(ctx)
		if err != nil {
			return "", nil, authfail.Wrap(authfail.CredentialsError, err, "credentials callback failed")
		}
		return user, password, nil
	}

	data, err := os.ReadFile(a.cfg.CredentialsFile)
	if err != nil {
		return "", nil, authfail.Wrap(authfail.CredentialsError, err, "failed to read credentials file %q", a.cfg.CredentialsFile)
	}
	var creds struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", nil, authfail.Wrap(authfail.CredentialsError, err, "failed to parse credentials file %q", a.cfg.CredentialsFile)
	}
	if creds.User == "" || creds.Password == "" {
		return "", nil, authfail.New(authfail.CredentialsError, "credentials file %q is missing user or password", a.cfg.CredentialsFile)
	}
	return creds.User, []byte(creds.Password), nil
}

func basicAuth(user string, password []byte) string {
	raw := user + ":" + string(password)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
