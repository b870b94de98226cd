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

package run

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flashtier-io/flashtier"
)

var config struct {
	httpAddr string
	discover bool
}

var rootCmd = &cobra.Command{
	Use:     "flashtier-node",
	Version: flashtier.Version,
	Short:   "FlashTier cache set node server",
	Long: `flashtier-node admits block devices into hybrid cache sets.
It serves the registration transport over HTTP and scans local disks
for formatted members.

The transport must run behind elevated privilege; the server does not
re-check caller authorization.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return subMain()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVar(&config.httpAddr, "http-addr", flashtier.DefaultHTTPAddr, "Listen address for the registration transport")
	fs.BoolVar(&config.discover, "discover", true, "Scan local disks for formatted members")
}
