package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler is a slog.Handler that enriches every record with the active trace
// context and counts log volume per level. Records are buffered and written
// by a background goroutine so logging never blocks a request path; when the
// buffer is full the record is dropped and counted.
type Handler struct {
	opts        HandlerOptions
	tracer      trace.Tracer
	meter       metric.Meter
	serviceName string
	attrs       []slog.Attr

	logCounter  metric.Int64Counter
	logsDropped metric.Int64Counter

	buffer   chan logEntry
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

type HandlerOptions struct {
	Level      slog.Level
	Writer     io.Writer
	BufferSize int
}

type logEntry struct {
	time  time.Time
	level slog.Level
	msg   string
	attrs []slog.Attr
}

// NewHandler creates a handler with default options (Info level, JSON to
// stdout, 1000-entry buffer).
func NewHandler(tracer trace.Tracer, meter metric.Meter, serviceName string) (*Handler, error) {
	return NewHandlerWithOptions(tracer, meter, serviceName, HandlerOptions{
		Level:      slog.LevelInfo,
		Writer:     os.Stdout,
		BufferSize: 1000,
	})
}

func NewHandlerWithOptions(tracer trace.Tracer, meter metric.Meter, serviceName string, opts HandlerOptions) (*Handler, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	logsDropped, err := meter.Int64Counter(
		"logs_dropped_total",
		metric.WithDescription("Log entries dropped because the buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		opts:        opts,
		tracer:      tracer,
		meter:       meter,
		serviceName: serviceName,
		logCounter:  logCounter,
		logsDropped: logsDropped,
		buffer:      make(chan logEntry, opts.BufferSize),
		shutdown:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.processLogs()

	return h, nil
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	attrs := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs)+3)
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		attrs = append(attrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	attrs = append(attrs, slog.String("service", h.serviceName))

	entry := logEntry{time: r.Time, level: r.Level, msg: r.Message, attrs: attrs}

	select {
	case h.buffer <- entry:
	default:
		h.logsDropped.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("service", h.serviceName),
		))
	}

	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Child handlers share the buffer and processor; only the bound
	// attributes differ.
	child := *h
	child.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &child
}

func (h *Handler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the relay's log volume does not justify nested
	// group bookkeeping.
	return h
}

func (h *Handler) processLogs() {
	defer h.wg.Done()

	for {
		select {
		case entry := <-h.buffer:
			h.writeEntry(entry)
		case <-h.shutdown:
			for {
				select {
				case entry := <-h.buffer:
					h.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) writeEntry(entry logEntry) {
	h.logCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("level", entry.level.String()),
		attribute.String("service", h.serviceName),
	))

	logData := map[string]any{
		"time":  entry.time.Format(time.RFC3339Nano),
		"level": entry.level.String(),
		"msg":   entry.msg,
	}
	for _, attr := range entry.attrs {
		v := attr.Value.Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		logData[attr.Key] = v
	}

	line, err := json.Marshal(logData)
	if err != nil {
		return
	}
	h.opts.Writer.Write(append(line, '\n'))
}

// Shutdown drains the buffer and stops the background processor.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.once.Do(func() { close(h.shutdown) })

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
