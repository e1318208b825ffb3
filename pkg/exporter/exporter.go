// Package exporter publishes an overview of a traffic generator server as
// Prometheus metrics.
package exporter

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/takehaya/tgctl/pkg/client"
	"go.uber.org/zap"
)

// DefaultPeriod is the refresh period of the metrics.
const DefaultPeriod = 2 * time.Second

type counter struct {
	port    *client.Port
	trigger *client.Trigger
	prev    uint64
	delta   uint64
	users   int
}

// Sample is the state of one interface after the last refresh.
type Sample struct {
	Interface string
	Users     int
	Bytes     uint64
	// Delta is the byte count received since the refresh before.
	Delta uint64
}

// Exporter keeps one count-everything trigger per interface of the server.
type Exporter struct {
	srv     *client.Server
	address string
	log     *zap.Logger

	counters map[string]*counter
	order    []string

	reg   *prometheus.Registry
	users *prometheus.GaugeVec
	bytes *prometheus.CounterVec
}

// New creates the interface counters on srv. address labels the metrics.
func New(ctx context.Context, srv *client.Server, address string, lg *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		srv:      srv,
		address:  address,
		log:      lg,
		counters: map[string]*counter{},
		reg:      prometheus.NewRegistry(),
		users: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tgctl_server_api_users",
			Help: "API users connected to the traffic generator server.",
		}, []string{"address", "interface"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgctl_server_interface_bytes_total",
			Help: "Bytes received on the traffic interface.",
		}, []string{"address", "interface"}),
	}
	e.reg.MustRegister(e.users, e.bytes)

	names, err := srv.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		p, err := srv.PortCreate(ctx, name)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		trig, err := p.RxTriggerBasicAdd(ctx)
		if err != nil {
			_ = srv.PortDestroy(ctx, p)
			_ = e.Close(ctx)
			return nil, err
		}
		e.counters[name] = &counter{port: p, trigger: trig}
		e.order = append(e.order, name)
	}
	return e, nil
}

// Refresh reads users and counters once.
func (e *Exporter) Refresh(ctx context.Context) error {
	users, err := e.srv.Users(ctx)
	if err != nil {
		return err
	}
	byIface := map[string]int{}
	for _, u := range users {
		byIface[u.Interface]++
	}
	e.users.Reset()
	for name, n := range byIface {
		e.users.WithLabelValues(e.address, name).Set(float64(n))
	}

	for _, name := range e.order {
		c := e.counters[name]
		res, err := c.trigger.Result(ctx)
		if err != nil {
			return err
		}
		cur := res.Cumulative.ByteCount
		c.delta = 0
		if cur > c.prev {
			c.delta = cur - c.prev
			e.bytes.WithLabelValues(e.address, name).Add(float64(c.delta))
		} else {
			e.bytes.WithLabelValues(e.address, name)
		}
		c.prev = cur
		c.users = byIface[name]
	}
	return nil
}

// Samples returns the interfaces in server order as of the last refresh.
func (e *Exporter) Samples() []Sample {
	out := make([]Sample, 0, len(e.order))
	for _, name := range e.order {
		c := e.counters[name]
		out = append(out, Sample{Interface: name, Users: c.users, Bytes: c.prev, Delta: c.delta})
	}
	return out
}

// Run refreshes every period until ctx ends. Refresh failures are logged.
func (e *Exporter) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				e.log.Warn("refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

func (e *Exporter) Registry() *prometheus.Registry { return e.reg }

// Close destroys the ports the exporter created.
func (e *Exporter) Close(ctx context.Context) error {
	var first error
	for _, name := range e.order {
		if err := e.srv.PortDestroy(ctx, e.counters[name].port); err != nil && first == nil {
			first = err
		}
	}
	e.counters, e.order = map[string]*counter{}, nil
	return first
}
