package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker"
	"github.com/xcall-tracker/xtracker/common"
	"github.com/xcall-tracker/xtracker/config"
	"github.com/xcall-tracker/xtracker/log"
)

const appName = "xtracker"

var (
	configFileFlag = cli.StringSliceFlag{
		Name:     config.FlagCfg,
		Aliases:  []string{"c"},
		Usage:    "Configuration file(s)",
		Required: true,
	}
	envFileFlag = cli.StringSliceFlag{
		Name:     config.FlagEnvFile,
		Aliases:  []string{"e"},
		Usage:    "Dotenv file(s) loaded before the configuration, .env by default",
		Required: false,
	}
	componentsFlag = cli.StringSliceFlag{
		Name:     config.FlagComponents,
		Aliases:  []string{"co"},
		Usage:    "List of components to run",
		Required: false,
		Value:    cli.NewStringSlice(common.Components...),
	}
	saveConfigFlag = cli.StringFlag{
		Name:     config.FlagSaveConfigPath,
		Aliases:  []string{"s"},
		Usage:    "Save final configuration into to the indicated path (name: xtracker_config.toml)",
		Required: false,
	}
	outputFlag = cli.StringFlag{
		Name:     config.FlagOutputFile,
		Aliases:  []string{"o"},
		Usage:    "Write to the file instead of stdout",
		Required: false,
	}
	rpcURLFlag = cli.StringFlag{
		Name:    config.FlagRPCURL,
		Aliases: []string{"u"},
		Usage:   "URL of the xcall tracker RPC",
		Value:   "http://localhost:5576",
		EnvVars: []string{config.EnvVarPrefix + "_RPC_URL"},
	}
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "Tracks xcall transactions across chains"
	app.Version = xtracker.Version
	app.Commands = []*cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Application version and build",
			Action:  versionCmd,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the xcall tracker",
			Action:  start,
			Flags: []cli.Flag{
				&configFileFlag,
				&envFileFlag,
				&componentsFlag,
				&saveConfigFlag,
			},
		},
		{
			Name:   "config",
			Usage:  "Print the default configuration, or the rendered one when --cfg is given",
			Action: configCmd,
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: config.FlagCfg, Aliases: []string{"c"}, Usage: "Configuration file(s)"},
				&envFileFlag,
				&outputFlag,
			},
		},
		{
			Name:   "schema",
			Usage:  "Print the JSON schema of the configuration file",
			Action: schemaCmd,
			Flags:  []cli.Flag{&outputFlag},
		},
		txCommand(),
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
