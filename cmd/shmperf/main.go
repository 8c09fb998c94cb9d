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

// Command shmperf measures the throughput of a shared memory channel between processes.
//
//	shmperf recv --file /dev/shm/perf
//	shmperf send --file /dev/shm/perf --threads 100 --msg-size 1000
//	shmperf inspect /dev/shm/perf
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/srediag/shmchan/internal/logging"
)

func main() {
	app := kingpin.New("shmperf", "Throughput test of a shared memory many-to-one channel.")
	app.HelpFlag.Short('h')
	logLevel := app.Flag("log.level", "Log level, 0=trace 1=debug 2=info 3=warn 4=error 5=off.").
		Envar("SHMCHAN_LOG_LEVEL").Default("3").Int()
	app.PreAction(func(*kingpin.ParseContext) error {
		logging.SetLogLevel(*logLevel)
		return nil
	})

	addRecvCommand(app)
	addSendCommand(app)
	addInspectCommand(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
