package events

import "log/slog"

// LogEmitter writes every engine event to the structured log. It is the
// default emitter for standalone daemon deployments where no event bus is
// attached.
type LogEmitter struct {
	Log *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(ev Event) {
	if l.Log == nil || ev == nil {
		return
	}
	raw := ev.Event()
	if raw == nil {
		return
	}
	attrs := make([]any, 0, 2+2*len(raw.Attributes))
	attrs = append(attrs, "type", raw.Type)
	for k, v := range raw.Attributes {
		attrs = append(attrs, k, v)
	}
	l.Log.Info("engine event", attrs...)
}
