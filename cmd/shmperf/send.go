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
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/oklog/run"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmchan/pkg/health"
	"github.com/srediag/shmchan/pkg/shm"
)

// sendCommand attaches to the receiver's region and writes from many goroutines.
type sendCommand struct {
	common
	msgSize  *int
	threads  *int
	duration *time.Duration
}

func addSendCommand(app *kingpin.Application) {
	cmd := &sendCommand{}
	clause := app.Command("send", "Attach to the region and write as fast as possible.").Action(cmd.run)
	cmd.register(clause)
	cmd.msgSize = clause.Flag("msg-size", "Payload size in bytes.").Default("1000").Int()
	cmd.threads = clause.Flag("threads", "Number of concurrent senders.").Default("100").Int()
	cmd.duration = clause.Flag("duration", "Stop after this long; 0 runs until interrupted.").Default("0").Duration()
}

func (cmd *sendCommand) run(*kingpin.ParseContext) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf, err := shm.Open(ctx, shm.OpenOptions{
		Path:     *cmd.file,
		Capacity: int(cmd.queueSize.Bytes()),
	})
	if err != nil {
		return err
	}
	defer buf.Close()
	if *cmd.msgSize > buf.MaxMsgLength() {
		return fmt.Errorf("msg-size %d exceeds max message length %d of %s", *cmd.msgSize, buf.MaxMsgLength(), buf.Path())
	}

	pool, err := ants.NewPool(*cmd.threads, ants.WithPreAlloc(true))
	if err != nil {
		return err
	}
	defer pool.Release()

	payload := make([]byte, *cmd.msgSize)
	var sent atomic.Int64
	sender := func() {
		for ctx.Err() == nil {
			ok, err := buf.Write(payload)
			switch {
			case err != nil:
				logger.Errorf("write to %s: %v", buf.Path(), err)
				cancel()
				return
			case ok:
				sent.Add(1)
			default:
				runtime.Gosched()
			}
		}
	}
	fmt.Printf("sending %s messages to %s from %d senders\n",
		humanize.IBytes(uint64(*cmd.msgSize)), buf.Path(), *cmd.threads)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		var wg sync.WaitGroup
		for i := 0; i < *cmd.threads; i++ {
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				sender()
			}); err != nil {
				wg.Done()
				cancel()
				wg.Wait()
				return err
			}
		}
		wg.Wait()
		return nil
	}, func(error) {
		cancel()
	})
	if *cmd.duration > 0 {
		g.Add(func() error {
			select {
			case <-time.After(*cmd.duration):
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	addReporter(&g, *cmd.interval, func(elapsed time.Duration) {
		secs := elapsed.Seconds()
		failed := buf.InsufficientCapacity()
		buf.ResetStats()
		fmt.Printf("%s msgs/sec, %s failed writes/sec\n",
			humanize.Comma(int64(float64(sent.Swap(0))/secs)), humanize.Comma(int64(float64(failed)/secs)))
	})
	addServer(&g, *cmd.listen, []prometheus.Collector{buf.Collector()}, health.BufferCheck("buffer", buf))
	return runGroup(&g)
}
