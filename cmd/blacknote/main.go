// Command blacknote is the CLI for the device-bound note vault.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	defer memguard.Purge()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		memguard.SafeExit(1)
	}
}
