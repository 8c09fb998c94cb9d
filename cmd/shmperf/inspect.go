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
	"github.com/alecthomas/kingpin/v2"

	"github.com/srediag/shmchan/pkg/shm"
)

// inspectCommand prints the trailer state of region files.
type inspectCommand struct {
	files *[]string
}

func addInspectCommand(app *kingpin.Application) {
	cmd := &inspectCommand{}
	clause := app.Command("inspect", "Print head, tail and size of region files.").Action(cmd.run)
	cmd.files = clause.Arg("file", "The region files to print.").Required().ExistingFiles()
}

func (cmd *inspectCommand) run(*kingpin.ParseContext) error {
	for _, f := range *cmd.files {
		shm.DebugRegionDetail(f)
	}
	return nil
}
