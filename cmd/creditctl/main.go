// Command creditctl inspects and operates the credit ledger from a shell.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(wireApp).Execute(); err != nil {
		os.Exit(1)
	}
}
