package main

import (
	"os"

	"github.com/solatis/ruleskeeper/cmd/ruleskeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
