package main

import (
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker/config"
)

func configCmd(cliCtx *cli.Context) error {
	if len(cliCtx.StringSlice(config.FlagCfg)) > 0 {
		cfg, err := config.Load(cliCtx)
		if err != nil {
			return err
		}
		rendered, err := cfg.Redacted().MarshalTOML()
		if err != nil {
			return err
		}
		return writeOutput(cliCtx, rendered)
	}

	// String buffer to concatenate all the default config vars
	defaultConfig := strings.Builder{}
	defaultConfig.WriteString(config.DefaultMandatoryVars)
	defaultConfig.WriteString(config.DefaultVars)
	defaultConfig.WriteString(config.DefaultValues)
	return writeOutput(cliCtx, []byte(defaultConfig.String()))
}

func schemaCmd(cliCtx *cli.Context) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}
	return writeOutput(cliCtx, append(schema, '\n'))
}

func writeOutput(cliCtx *cli.Context, data []byte) error {
	if path := cliCtx.String(config.FlagOutputFile); path != "" {
		return os.WriteFile(path, data, config.DefaultCreationFilePermissions)
	}
	_, err := os.Stdout.Write(data)
	return err
}
