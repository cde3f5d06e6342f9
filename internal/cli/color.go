/*
Copyright The CloudNativePG Contributors

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

package cli

import (
	"fmt"
	"os"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// AddColorControlFlag registers the --color flag on the root command.
func AddColorControlFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("color", "auto", "Control color output; one of 'always', 'auto', or 'never'")
}

// ConfigureColor renews aurora.DefaultColorizer from the --color flag and
// whether stdout is a terminal.
func ConfigureColor(cmd *cobra.Command) error {
	return configureColor(cmd, term.IsTerminal(int(os.Stdout.Fd())))
}

func configureColor(cmd *cobra.Command, isTTY bool) error {
	colorFlag, err := cmd.Flags().GetString("color")
	if err != nil {
		return err
	}

	var shouldColorize bool
	switch colorFlag {
	case "always":
		shouldColorize = true
	case "never":
		shouldColorize = false
	case "auto":
		shouldColorize = isTTY
	default:
		return fmt.Errorf("invalid value for --color: %s, must be one of 'always', 'auto', or 'never'", colorFlag)
	}

	aurora.DefaultColorizer = aurora.New(aurora.WithColors(shouldColorize))
	return nil
}
