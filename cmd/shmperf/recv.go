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
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmchan/pkg/health"
	"github.com/srediag/shmchan/pkg/shm"
)

// recvCommand creates the region and consumes everything written to it.
type recvCommand struct {
	common
	maxSleep *time.Duration
}

func addRecvCommand(app *kingpin.Application) {
	cmd := &recvCommand{}
	clause := app.Command("recv", "Create the region and count received messages.").Action(cmd.run)
	cmd.register(clause)
	cmd.maxSleep = clause.Flag("max-sleep", "Max park period of the consumer; 0 keeps the default.").Default("0").Duration()
}

func (cmd *recvCommand) run(*kingpin.ParseContext) error {
	ctx := context.Background()
	buf, err := shm.Open(ctx, shm.OpenOptions{
		Path:          *cmd.file,
		Capacity:      int(cmd.queueSize.Bytes()),
		Create:        true,
		DeleteOnClose: true,
	})
	if err != nil {
		return err
	}
	defer buf.Close()
	if *cmd.maxSleep > 0 {
		buf.SetMaxSleep(*cmd.maxSleep)
	}

	var msgs, bytes atomic.Int64
	if err := buf.SetConsumer(func(_ int32, _ []byte, _, length int) {
		msgs.Add(1)
		bytes.Add(int64(length))
	}); err != nil {
		return err
	}
	fmt.Printf("receiving on %s, capacity %s, max msg %s\n", buf.Path(),
		humanize.IBytes(uint64(buf.Capacity())), humanize.IBytes(uint64(buf.MaxMsgLength())))

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	addReporter(&g, *cmd.interval, func(elapsed time.Duration) {
		secs := elapsed.Seconds()
		m, b := msgs.Swap(0), bytes.Swap(0)
		fmt.Printf("%s msgs/sec %s/sec\n",
			humanize.Comma(int64(float64(m)/secs)), humanize.IBytes(uint64(float64(b)/secs)))
	})
	addServer(&g, *cmd.listen, []prometheus.Collector{buf.Collector()},
		health.BufferCheck("buffer", buf), health.SpaceCheck(filepath.Dir(*cmd.file), 0))
	return runGroup(&g)
}
