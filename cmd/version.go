package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker"
)

func versionCmd(*cli.Context) error {
	xtracker.PrintVersion(os.Stdout)
	return nil
}
