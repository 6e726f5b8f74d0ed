package engine

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// ExceptionSink persists captured exceptions.
type ExceptionSink interface {
	Create(ctx context.Context, exc *model.Exception) error
}

// Capture records a system exception, logs it locally, and persists it when
// a sink is configured.
func Capture(
	ctx context.Context,
	sink ExceptionSink,
	service string,
	module string,
	method string,
	level string,
	err error,
	contextData map[string]interface{},
) {
	if err == nil {
		return
	}

	var ctxJSON string
	if contextData != nil {
		if b, e := json.Marshal(contextData); e == nil {
			ctxJSON = string(b)
		}
	}

	exc := &model.Exception{
		Service:   service,
		Module:    module,
		Method:    method,
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Level:     level,
		Context:   ctxJSON,
		CreatedAt: time.Now().UTC(),
	}

	logger.WithFields(map[string]interface{}{
		"service": service,
		"module":  module,
		"method":  method,
		"level":   level,
	}).WithError(err).Error("System exception captured")

	if sink != nil {
		// persisted even when ctx is already cancelled
		if e := sink.Create(context.WithoutCancel(ctx), exc); e != nil {
			logger.WithError(e).Error("Failed to persist exception")
		}
	}
}
