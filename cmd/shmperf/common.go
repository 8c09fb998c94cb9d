/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/c2h5oh/datasize"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmchan/internal/logging"
	"github.com/srediag/shmchan/pkg/health"
)

var logger = logging.New("shmperf")

// common holds the flags shared by recv and send.
type common struct {
	file      *string
	queueSize datasize.ByteSize
	interval  *time.Duration
	listen    *string
}

func (c *common) register(cmd *kingpin.CmdClause) {
	c.file = cmd.Flag("file", "Region file of the receiver.").Default("/dev/shm/shmperf").String()
	cmd.Flag("queue-size", "Capacity of the channel, a power of 2.").Default("8MB").SetValue(byteSizeValue{&c.queueSize})
	c.interval = cmd.Flag("interval", "Interval between two stats lines.").Default("1s").Duration()
	c.listen = cmd.Flag("listen", "Address serving /metrics, /live and /ready; empty disables it.").Default("").String()
}

type byteSizeValue struct {
	v *datasize.ByteSize
}

func (b byteSizeValue) Set(s string) error { return b.v.UnmarshalText([]byte(s)) }

func (b byteSizeValue) String() string { return b.v.String() }

// addReporter calls report with the time since the previous call, every interval.
func addReporter(g *run.Group, interval time.Duration, report func(elapsed time.Duration)) {
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				report(now.Sub(last))
				last = now
			}
		}
	}, func(error) {
		cancel()
	})
}

// addServer serves the collectors and health checks on listen.
func addServer(g *run.Group, listen string, cs []prometheus.Collector, checks ...health.Check) {
	if listen == "" {
		return
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(cs...)
	hc := health.NewMetricsHandler(reg, "shmchan", checks...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Add(func() error {
		fmt.Printf("serving metrics on %s\n", listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		if err := srv.Close(); err != nil {
			logger.Warnf("close http server: %v", err)
		}
	})
}

// runGroup runs g and treats a termination signal as a clean exit.
func runGroup(g *run.Group) error {
	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		fmt.Printf("received %v, exiting\n", sig.Signal)
		return nil
	}
	return err
}
