package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/roadmap-sync/internal/model"
)

// ErrorKind classifies a remote tracker failure by cause.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindUnreachable ErrorKind = "unreachable"
	KindTimeout     ErrorKind = "timeout"
	KindRemote      ErrorKind = "remote"
)

// DatasourceError is the uniform error returned by remote tracker calls.
// Message is short and safe to show to users.
type DatasourceError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DatasourceError) Error() string {
	return e.Message
}

func (e *DatasourceError) Unwrap() error {
	return e.Err
}

// Errorf builds a DatasourceError of the given kind.
func Errorf(kind ErrorKind, err error, format string, args ...any) *DatasourceError {
	return &DatasourceError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var dsErr *DatasourceError
	if errors.As(err, &dsErr) {
		return dsErr.Kind, true
	}
	return "", false
}

// IsAuthError reports whether err (or any error in its chain) is an
// authentication failure against the remote tracker.
func IsAuthError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsUnreachable reports whether the remote could not be contacted.
func IsUnreachable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnreachable
}

// IsRemote reports whether err belongs to the remote/network class that
// callers may answer with a cached snapshot.
func IsRemote(err error) bool {
	if _, ok := kindOf(err); ok {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// InvalidURLError is returned when a work item URL does not have the
// expected shape.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid work item URL %q: %s", e.URL, e.Reason)
}

// Project is a remote project the credential can access.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

// Comment is a single discussion entry on a work item.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// RelatedItem is a work item linked to another one.
type RelatedItem struct {
	ID       string `json:"id"`
	Relation string `json:"relation"`
	Title    string `json:"title"`
	State    string `json:"state"`
	Type     string `json:"type"`
	URL      string `json:"url"`
}

// FetchResult holds the normalized items of one fetch.
type FetchResult struct {
	Items     []model.RoadmapItem
	Truncated bool
	Warning   string
}

// ValidationResult is the outcome of a configuration dry run. Warnings never
// block fetching.
type ValidationResult struct {
	Warnings      []string `json:"warnings"`
	MissingFields []string `json:"missingFields"`
}
