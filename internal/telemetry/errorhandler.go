package telemetry

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearbeat/internal/gatt"
)

// ServiceRegistrar re-declares services. *Registrar implements it.
type ServiceRegistrar interface {
	RegisterServices() error
}

// ErrorHandlerStats is a snapshot of error handler counters.
type ErrorHandlerStats struct {
	Handled          int64 `json:"handled"`
	Recoveries       int64 `json:"recoveries"`
	FailedRecoveries int64 `json:"failed_recoveries"`
}

// ErrorHandler logs publish failures and re-registers services when the
// stack reports a failure that re-registration can fix. It never returns or
// panics; the event that caused the failure is dropped.
type ErrorHandler struct {
	registrar ServiceRegistrar
	logger    *logrus.Logger

	handled          int64
	recoveries       int64
	failedRecoveries int64
}

func NewErrorHandler(registrar ServiceRegistrar, logger *logrus.Logger) *ErrorHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ErrorHandler{registrar: registrar, logger: logger}
}

// HandleError logs err and, for transient-restart and invalid-UUID failures,
// calls RegisterServices exactly once.
func (h *ErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	atomic.AddInt64(&h.handled, 1)

	kind := gatt.KindOf(err)
	entry := h.logger.WithError(err).WithField("kind", kind.String())

	if !kind.Recoverable() || h.registrar == nil {
		entry.Error("Publish failed")
		return
	}

	entry.Warn("Publish failed, re-registering services")
	if rerr := h.reregister(); rerr != nil {
		atomic.AddInt64(&h.failedRecoveries, 1)
		h.logger.WithError(rerr).Error("Service re-registration failed")
		return
	}
	atomic.AddInt64(&h.recoveries, 1)
}

func (h *ErrorHandler) reregister() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register services panicked: %v", r)
		}
	}()
	return h.registrar.RegisterServices()
}

// Stats returns the current counters.
func (h *ErrorHandler) Stats() ErrorHandlerStats {
	return ErrorHandlerStats{
		Handled:          atomic.LoadInt64(&h.handled),
		Recoveries:       atomic.LoadInt64(&h.recoveries),
		FailedRecoveries: atomic.LoadInt64(&h.failedRecoveries),
	}
}
