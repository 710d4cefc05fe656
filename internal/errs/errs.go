package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	AllTokensFailed  Code = "ALL_TOKENS_FAILED"
	RateLimited      Code = "RATE_LIMITED"
	AssetNotFound    Code = "ASSET_NOT_FOUND"
	MissingLocation  Code = "MISSING_LOCATION"
	TooManyRedirects Code = "TOO_MANY_REDIRECTS"
	BadPayload       Code = "BAD_PAYLOAD"
	UnexpectedStatus Code = "UNEXPECTED_STATUS"
	NoRepoListSource Code = "NO_REPO_LIST_SOURCE"
	InvalidRepoPath  Code = "INVALID_REPO_PATH"
)

var messages = map[Code]string{
	AllTokensFailed:  "all upstream tokens failed",
	RateLimited:      "upstream rate limit reached, retry later or configure more tokens",
	AssetNotFound:    "asset not found, it may have been deleted",
	MissingLocation:  "upstream redirect (%d) without Location header",
	TooManyRedirects: "upstream redirected more than once (%d after hop)",
	BadPayload:       "unparseable upstream payload: %v",
	UnexpectedStatus: "upstream returned status %d",
	NoRepoListSource: "no repository list source configured",
	InvalidRepoPath:  "invalid repository %q, expected owner/repo",
}

func Msg(code Code, a ...any) string {
	msg := messages[code]
	if msg == "" {
		msg = string(code)
	}
	return fmt.Sprintf(msg, a...)
}

var (
	ErrAllTokensFailed  = errors.New(Msg(AllTokensFailed))
	ErrRateLimited      = errors.New(Msg(RateLimited))
	ErrAssetNotFound    = errors.New(Msg(AssetNotFound))
	ErrProtocol         = errors.New("upstream protocol error")
	ErrNoRepoListSource = errors.New(Msg(NoRepoListSource))
)

// UpstreamError is a failure talking to the release-hosting API. Status is
// the last HTTP status seen, or 0 when the failure happened below HTTP.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Err.Error(), e.Status)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s", e.Op, Msg(UnexpectedStatus, e.Status))
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
	default:
		return e.Op + ": upstream failure"
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) StatusCode() int { return e.Status }

// Upstream builds an UpstreamError, mapping well-known statuses to the
// matching sentinel when err is nil.
func Upstream(op string, status int, err error) *UpstreamError {
	if err == nil {
		switch status {
		case http.StatusForbidden, http.StatusTooManyRequests:
			err = ErrRateLimited
		}
	}
	return &UpstreamError{Op: op, Status: status, Err: err}
}

// Protocol wraps ErrProtocol with a descriptive message.
func Protocol(code Code, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, Msg(code, a...))
}

// HTTPStatus maps an error to the status the HTTP layer should answer with.
func HTTPStatus(err error) int {
	var ue *UpstreamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrAllTokensFailed):
		return http.StatusBadGateway
	case errors.As(err, &ue) && ue.Status == http.StatusNotFound:
		return http.StatusNotFound
	case errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
