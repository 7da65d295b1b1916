package sockrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type options struct {
	log        *zap.SugaredLogger
	metrics    *Metrics
	registerer prometheus.Registerer
	tracer     trace.Tracer
	newID      func() string
	now        func() time.Time
	dialer     WSDialer
	publisher  Publisher
}

type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		log:    zap.NewNop().Sugar(),
		tracer: defaultTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l.Sugar()
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRegisterer makes Dial create its Metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithIDGenerator replaces the uuid based call id generator.
func WithIDGenerator(f func() string) Option {
	return func(o *options) {
		o.newID = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithDialer(d WSDialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithPublisher relays every broadcast to p.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}
