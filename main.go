package main

import (
	"fmt"
	"os"

	acpbroker "github.com/workspace/acp-broker/cmd/acp-broker"
)

func main() {
	if err := acpbroker.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
