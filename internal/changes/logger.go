package changes

import (
	"github.com/ThreeDotsLabs/watermill"

	logx "dashwall/pkg/logx"
)

// loggerAdapter routes watermill's logs through logx.
type loggerAdapter struct {
	log logx.Logger
}

func NewLoggerAdapter(log logx.Logger) watermill.LoggerAdapter {
	return loggerAdapter{log: log}
}

func fieldsOf(fields watermill.LogFields) []logx.Field {
	out := make([]logx.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, logx.Any(k, v))
	}
	return out
}

func (a loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(fieldsOf(fields), logx.Err(err))...)
}

func (a loggerAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info; keep it at debug.
	a.log.Debug(msg, fieldsOf(fields)...)
}

func (a loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Trace(msg, fieldsOf(fields)...)
}

func (a loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Trace(msg, fieldsOf(fields)...)
}

func (a loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return loggerAdapter{log: a.log.With(fieldsOf(fields)...)}
}
