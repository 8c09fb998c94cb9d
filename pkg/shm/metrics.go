package shm

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricsNamespace = "shmchan"

type bufferCollector struct {
	b *Buffer

	insufficientCapacity *prometheus.Desc
	delivered            *prometheus.Desc
	handlerPanics        *prometheus.Desc
	size                 *prometheus.Desc
	capacity             *prometheus.Desc
}

// Collector exports the buffer counters, labelled with the region path.
func (b *Buffer) Collector() prometheus.Collector {
	labels := prometheus.Labels{"path": b.path}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "buffer", name), help, nil, labels)
	}
	return &bufferCollector{
		b:                    b,
		insufficientCapacity: desc("insufficient_capacity_total", "Writes rejected because the channel was full."),
		delivered:            desc("delivered_messages_total", "Records handed to the consumer."),
		handlerPanics:        desc("handler_panics_total", "Records whose handler panicked."),
		size:                 desc("size_bytes", "Bytes claimed and not yet consumed."),
		capacity:             desc("capacity_bytes", "Capacity of the data segment."),
	}
}

func (c *bufferCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.insufficientCapacity
	ch <- c.delivered
	ch <- c.handlerPanics
	ch <- c.size
	ch <- c.capacity
}

func (c *bufferCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.insufficientCapacity, prometheus.CounterValue, float64(c.b.InsufficientCapacity()))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(c.b.Delivered()))
	ch <- prometheus.MustNewConstMetric(c.handlerPanics, prometheus.CounterValue, float64(c.b.HandlerPanics()))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.b.Size()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.b.Capacity()))
}

func (b *Buffer) registerMetrics(meter metric.Meter) (metric.Registration, error) {
	insufficient, err := meter.Int64ObservableCounter("shmchan.buffer.insufficient_capacity",
		metric.WithDescription("Writes rejected because the channel was full."))
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64ObservableCounter("shmchan.buffer.delivered",
		metric.WithDescription("Records handed to the consumer."))
	if err != nil {
		return nil, err
	}
	panics, err := meter.Int64ObservableCounter("shmchan.buffer.handler_panics",
		metric.WithDescription("Records whose handler panicked."))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64ObservableGauge("shmchan.buffer.size",
		metric.WithDescription("Bytes claimed and not yet consumed."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("shm.path", b.path))
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(insufficient, b.InsufficientCapacity(), attrs)
		o.ObserveInt64(delivered, b.Delivered(), attrs)
		o.ObserveInt64(panics, b.HandlerPanics(), attrs)
		o.ObserveInt64(size, int64(b.Size()), attrs)
		return nil
	}, insufficient, delivered, panics, size)
}
