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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirm prompts the user before a destructive, hard-to-reverse operation
// (`backup remove`, `restore-point remove`), the way the teacher's
// plugin.ConfigureColor gates behavior on term.IsTerminal. When stdin
// isn't a terminal (scripted/cron invocation), Confirm skips the prompt
// and proceeds, matching a batch job's expectations.
func Confirm(prompt string) (bool, error) {
	return confirm(prompt, os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
}

func confirm(prompt string, in io.Reader, isTTY bool) (bool, error) {
	if !isTTY {
		return true, nil
	}
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("cli: reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
