/*
   Copyright @ 2022 The flashtier Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"os"

	"github.com/flashtier-io/flashtier/cmd/flashtier-node/run"
	"github.com/flashtier-io/flashtier/utils/log"
)

var gitCommitID = "dev"

func main() {
	printWelcome()
	run.Execute()
}

func printWelcome() {
	if gitCommitID == "" {
		gitCommitID = "dev"
	}
	log.Info("-------- Welcome to use FlashTier Node Server --------")
	log.Infof("Git Commit ID : %s", gitCommitID)
	log.Infof("node name : %s", os.Getenv("NODE_NAME"))
	log.Info("------------------------------------")
}
