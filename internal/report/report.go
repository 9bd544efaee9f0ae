// Package report turns pipeline errors into a stable shape for external
// error reporters and adapts task progress callbacks.
package report

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/crypt"
	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/resolver"
	"github.com/internxt/drive-web-sub008/internal/transfer"
)

// Error kinds.
const (
	KindConfiguration   = "configuration"
	KindNetwork         = "network"
	KindMirrorIntegrity = "mirror_integrity"
	KindAborted         = "aborted"
	KindSizeMismatch    = "size_mismatch"
	KindCanceled        = "canceled"
	KindUnknown         = "unknown"
)

// Report is the normalized form of a pipeline error.
type Report struct {
	Kind    string `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// Normalize classifies err. Status carries the HTTP status of bridge and
// farmer errors and is zero otherwise.
func Normalize(err error) Report {
	if err == nil {
		return Report{}
	}
	r := Report{Kind: KindUnknown, Message: err.Error()}

	var cerr *transfer.ConfigurationError
	var nerr *bridge.NetworkRequestError
	var merr *resolver.MirrorIntegrityError
	switch {
	case errors.As(err, &cerr):
		r.Kind = KindConfiguration
	case transfer.IsAborted(err):
		r.Kind = KindAborted
	case errors.As(err, &nerr):
		r.Kind = KindNetwork
		r.Status = nerr.Status
		if nerr.Body != "" {
			r.Message = nerr.Body
		}
	case errors.As(err, &merr):
		r.Kind = KindMirrorIntegrity
		r.Status = http.StatusConflict
	case errors.Is(err, transfer.ErrSizeMismatch):
		r.Kind = KindSizeMismatch
	case errors.Is(err, crypt.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.Kind = KindCanceled
	}
	return r
}

// ErrorReporter receives failed transfers.
type ErrorReporter interface {
	Report(ctx context.Context, err error)
}

// LogReporter reports errors through the structured logger. Aborts are
// logged at info since they are user initiated.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r := Normalize(err)
	fields := []zap.Field{
		zap.String("error_kind", r.Kind),
		zap.String("message", r.Message),
	}
	if r.Status != 0 {
		fields = append(fields, zap.Int("status", r.Status))
	}

	log := logging.WithContext(ctx)
	if r.Kind == KindAborted {
		log.Info("transfer aborted", fields...)
		return
	}
	log.Error("transfer failed", fields...)
}

// TaskReporter receives progress for a named task.
type TaskReporter interface {
	UpdateProgress(taskID string, fraction float64)
}

// ForTask returns a ProgressFunc forwarding fractions to r, suppressing
// repeats of the same whole percent.
func ForTask(r TaskReporter, taskID string) transfer.ProgressFunc {
	last := -1
	return func(fraction float64, sent, total int64) {
		pct := int(fraction * 100)
		if pct == last {
			return
		}
		last = pct
		r.UpdateProgress(taskID, fraction)
	}
}
