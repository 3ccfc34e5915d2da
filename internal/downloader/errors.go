package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lvcoi/tubefetch/internal/ytdlp"
)

// Category classifies failures for exit codes, HTTP statuses and logs.
type Category string

const (
	CategoryInvalidURL      Category = "invalid_url"
	CategoryInvalidInput    Category = "invalid_input"
	CategoryMetadata        Category = "metadata"
	CategoryStream          Category = "stream"
	CategoryWrite           Category = "write"
	CategoryTranscode       Category = "transcode"
	CategoryExternalTool    Category = "external_tool"
	CategoryToolUnavailable Category = "tool_unavailable"
	CategoryOutputNotFound  Category = "output_not_found"
	CategoryDownloadFailed  Category = "download_failed"
	CategoryCanceled        Category = "canceled"
	CategoryUnknown         Category = "unknown"
)

// CategorizedError attaches a Category to an error.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e CategorizedError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return e.Err.Error()
}

func (e CategorizedError) Unwrap() error {
	return e.Err
}

func wrapCategory(category Category, err error) error {
	if err == nil {
		return nil
	}
	var existing CategorizedError
	if errors.As(err, &existing) && existing.Category == category {
		return err
	}
	return CategorizedError{Category: category, Err: err}
}

// FailedError is returned when both strategies failed for one job.
type FailedError struct {
	Primary  error
	Fallback error
}

func (e *FailedError) Error() string {
	primary := "skipped"
	if e.Primary != nil {
		primary = e.Primary.Error()
	}
	fallback := "skipped"
	if e.Fallback != nil {
		fallback = e.Fallback.Error()
	}
	return fmt.Sprintf("download failed: primary: %s; fallback: %s", primary, fallback)
}

func (e *FailedError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Primary, e.Fallback} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ToolUnavailable reports whether the failure was caused by no fallback
// candidate being installed, as opposed to one that ran and failed.
func (e *FailedError) ToolUnavailable() bool {
	return errors.Is(e.Fallback, ytdlp.ErrToolNotFound)
}

// CategoryOf returns the most specific category of err.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var failed *FailedError
	if errors.As(err, &failed) {
		if failed.ToolUnavailable() {
			return CategoryToolUnavailable
		}
		return CategoryDownloadFailed
	}
	var categorized CategorizedError
	if errors.As(err, &categorized) {
		return categorized.Category
	}
	var toolErr *ytdlp.ToolError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	case errors.Is(err, ytdlp.ErrToolNotFound):
		return CategoryToolUnavailable
	case errors.Is(err, ytdlp.ErrOutputNotFound):
		return CategoryOutputNotFound
	case errors.As(err, &toolErr):
		return CategoryExternalTool
	}
	return CategoryUnknown
}

// ExitCode maps err to a process exit status for the get command.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CategoryOf(err) {
	case CategoryInvalidURL, CategoryInvalidInput:
		return 2
	case CategoryToolUnavailable:
		return 3
	case CategoryWrite:
		return 5
	case CategoryCanceled:
		return 130
	default:
		return 1
	}
}

// HTTPStatus maps err to the status code returned by the API.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryInvalidURL, CategoryInvalidInput:
		return http.StatusBadRequest
	case CategoryToolUnavailable:
		return http.StatusServiceUnavailable
	case CategoryCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
