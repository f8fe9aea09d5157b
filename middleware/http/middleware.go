// Package http provides net/http middleware for quota enforcement. The
// middleware checks the request against configured usage limits before the
// handler runs and, optionally, tracks usage after it returns.
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

// RequestExtractor maps an incoming HTTP request to the quota dimensions.
// Return an error to reject the request as bad input.
type RequestExtractor func(r *http.Request) (llmledger.Request, error)

// UsageExtractor maps a completed request to the usage to record. Return nil
// to record nothing.
type UsageExtractor func(r *http.Request, status int) *llmledger.TrackOptions

// Config holds middleware configuration.
type Config struct {
	// Accounting is the accounting facade (required).
	Accounting *llmledger.Accounting

	// ExtractRequest maps the HTTP request to quota dimensions (required).
	ExtractRequest RequestExtractor

	// ExtractUsage, when set, records usage after the handler returns.
	ExtractUsage UsageExtractor

	// OnDenied is called when the quota check denies. If nil, responds
	// 429 with a Retry-After header and the denial reason.
	OnDenied func(w http.ResponseWriter, r *http.Request, result llmledger.CheckResult)

	// OnRejected is called when membership enforcement rejects the
	// request's user or project. If nil, responds 403.
	OnRejected func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called on internal errors. If nil, responds 500.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// statusRecorder captures the status code for the usage extractor.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware creates an http.Handler wrapper that enforces quota limits.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := config.ExtractRequest(r)
			if err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			result, err := config.Accounting.CheckQuotaEnhanced(ctx, req)
			if err != nil {
				if errors.Is(err, llmledger.ErrUnknownUser) || errors.Is(err, llmledger.ErrUnknownProject) {
					if config.OnRejected != nil {
						config.OnRejected(w, r, err)
					} else {
						http.Error(w, "Forbidden", http.StatusForbidden)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !result.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, result)
				} else {
					if result.RetryAfterSeconds > 0 {
						w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
					}
					http.Error(w, result.Reason, http.StatusTooManyRequests)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if config.ExtractUsage != nil {
				if opts := config.ExtractUsage(r, rec.status); opts != nil {
					if err := config.Accounting.TrackUsage(ctx, *opts); err != nil && config.OnError != nil {
						config.OnError(w, r, err)
					}
				}
			}
		})
	}
}

// HandlerFunc is the http.HandlerFunc flavor of Middleware.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}
