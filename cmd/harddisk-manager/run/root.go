/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

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
	"github.com/stbox/harddisk"
)

var config struct {
	configDir string
	httpAddr  string
}

var rootCmd = &cobra.Command{
	Use:     "harddisk-manager",
	Version: harddisk.Version,
	Short:   "Storage device manager of the box",
	Long: `harddisk-manager keeps track of the internal disks and the hotplugged
storage of the box. It spins idle disks down, initializes and checks disks
on request and serves the partition list over HTTP.

The configuration is read from config.json in --config-dir and reloaded
when the file changes.`,

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
	fs.StringVar(&config.configDir, "config-dir", harddisk.DefaultConfigDir, "Directory holding config.json")
	fs.StringVar(&config.httpAddr, "http-addr", harddisk.DefaultHTTPAddr, "Listen address for the status API and metrics")
}
