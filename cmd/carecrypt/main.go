package main

import (
	"os"

	"carecrypt/cmd/carecrypt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
