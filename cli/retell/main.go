package main

import (
	"os"

	retellcmder "github.com/inkfold/retell/cmd/retell"
)

func main() {
	cmd := retellcmder.NewRetellCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
