package main

import (
	"os"

	"github.com/seanpm2001/smoke-aws-credentials/cmd/awscreds/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
