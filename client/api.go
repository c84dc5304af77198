package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/internal/retry"
	"github.com/imtaco/peer-connect/requests"
	"github.com/imtaco/peer-connect/session"
)

const defaultAPITimeout = 10 * time.Second

// Request is a connect request as served by the matchmaking API.
type Request struct {
	requests.ConnectRequest
	Expired          bool  `json:"expired"`
	RemainingSeconds int64 `json:"remainingSeconds"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

type APIOption func(*API)

// WithRetry sets the backoff used for reads. Mutations are never retried.
func WithRetry(r retry.Retry) APIOption {
	return func(a *API) {
		a.retry = r
	}
}

func WithTimeout(d time.Duration) APIOption {
	return func(a *API) {
		a.http.SetTimeout(d)
	}
}

// API is the matchmaking HTTP client for one signed-in user.
type API struct {
	http   *resty.Client
	retry  retry.Retry
	logger *log.Logger
}

var (
	_ session.TokenSource   = (*API)(nil)
	_ session.RequestCloser = (*API)(nil)
)

func NewAPI(baseURL, token string, logger *log.Logger, opts ...APIOption) *API {
	if logger == nil {
		panic("logger is required")
	}
	a := &API{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetTimeout(defaultAPITimeout),
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry == nil {
		a.retry = retry.New(logger.Module("Retry"), 200*time.Millisecond, 2*time.Second, 8*time.Second, retry.WithMaxAttempts(4))
	}
	return a
}

func (a *API) CreateRequest(ctx context.Context, kind requests.Kind, note string) (*Request, error) {
	var req Request
	body := map[string]string{"kind": string(kind), "context": note}
	if err := a.do(ctx, http.MethodPost, "/api/requests", body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (a *API) Invite(ctx context.Context, calleeID string, kind requests.Kind, note string) (*Request, error) {
	var req Request
	body := map[string]string{"calleeId": calleeID, "kind": string(kind), "context": note}
	if err := a.do(ctx, http.MethodPost, "/api/invitations", body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListAvailable lists live requests of other users. An empty kind lists all kinds.
func (a *API) ListAvailable(ctx context.Context, kind requests.Kind) ([]*Request, error) {
	path := "/api/requests"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(string(kind))
	}
	var resp struct {
		Requests []*Request `json:"requests"`
	}
	if err := a.read(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

// Current returns the caller's live or matched request, or nil when there is none.
func (a *API) Current(ctx context.Context) (*Request, error) {
	var req Request
	err := a.read(ctx, "/api/requests/current", &req)
	if errors.Is(err, requests.ErrRequestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (a *API) Get(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	if err := a.read(ctx, "/api/requests/"+url.PathEscape(requestID), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (a *API) Accept(ctx context.Context, requestID string) (*requests.RoomHandle, error) {
	var handle requests.RoomHandle
	if err := a.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/accept", nil, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func (a *API) Cancel(ctx context.Context, requestID string) error {
	return a.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/cancel", nil, nil)
}

func (a *API) Complete(ctx context.Context, requestID string) error {
	return a.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/complete", nil, nil)
}

func (a *API) Decline(ctx context.Context, requestID string) error {
	return a.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(requestID)+"/decline", nil, nil)
}

// RoomToken fetches a media token for a room the caller was matched into.
func (a *API) RoomToken(ctx context.Context, roomID string) (*session.Token, error) {
	var token session.Token
	if err := a.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/token", nil, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// read retries idempotent GETs until the answer cannot change.
func (a *API) read(ctx context.Context, path string, result any) error {
	return a.retry.Do(ctx, func() error {
		err := a.do(ctx, http.MethodGet, path, nil, result)
		if err != nil && permanent(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func (a *API) do(ctx context.Context, method, path string, body, result any) error {
	a.logger.Debug("api req", log.String("method", method), log.String("path", path))

	var apiErr apiError
	req := a.http.R().
		SetContext(ctx).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return errors.Wrapf(ErrTransport, err, "%s %s", method, path)
	}
	if resp.IsError() {
		code := codeForStatus(resp.StatusCode())
		if apiErr.Code != "" {
			code = errors.Code(apiErr.Code)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		return errors.Newf(code, "%s %s: %s", method, path, msg)
	}

	a.logger.Debug("api resp", log.String("path", path), log.Int("status", resp.StatusCode()))
	return nil
}
