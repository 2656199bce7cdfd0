package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/xcall-tracker/xtracker/config"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/rpc"
	"github.com/xcall-tracker/xtracker/xcall"
)

const flagIntent = "intent"

var intentFlag = cli.StringFlag{
	Name:     flagIntent,
	Aliases:  []string{"i"},
	Usage:    "JSON file with the transaction intent, - reads stdin",
	Required: true,
}

func txCommand() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Query and submit transactions through a running tracker",
		Flags: []cli.Flag{&rpcURLFlag},
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show a transaction with its hops",
				ArgsUsage: "<transaction id>",
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					return c.GetTransaction(cliCtx.Args().First())
				}),
			},
			{
				Name:      "messages",
				Usage:     "Show the hops of a transaction",
				ArgsUsage: "<transaction id>",
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					return c.GetMessages(cliCtx.Args().First())
				}),
			},
			{
				Name:  "list",
				Usage: "List the newest transactions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "PENDING, SUCCESS or FAILURE"},
					&cli.Uint64Flag{Name: "limit", Value: 20},
					&cli.Uint64Flag{Name: "offset"},
				},
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					return c.ListTransactions(cliCtx.String("status"), cliCtx.Uint64("limit"), cliCtx.Uint64("offset"))
				}),
			},
			{
				Name:  "watermarks",
				Usage: "Show the scanned height of every chain",
				Action: withClient(func(_ *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					return c.Watermarks()
				}),
			},
			{
				Name:  "fee",
				Usage: "Estimate the protocol fee of an intent",
				Flags: []cli.Flag{&intentFlag},
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					intent, err := readIntent(cliCtx.String(flagIntent))
					if err != nil {
						return nil, err
					}
					return c.EstimateFee(intent)
				}),
			},
			{
				Name:  "initiate",
				Usage: "Submit an intent with the tracker signer and track it",
				Flags: []cli.Flag{&intentFlag},
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					intent, err := readIntent(cliCtx.String(flagIntent))
					if err != nil {
						return nil, err
					}
					return c.Initiate(intent)
				}),
			},
			{
				Name:  "track",
				Usage: "Track a transaction broadcast by a wallet",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Value: string(xcall.TxBridge),
						Usage: "BRIDGE, SWAP, DEPOSIT, WITHDRAW, BORROW or REPAY",
					},
					&cli.StringFlag{Name: "source", Required: true, Usage: "source chain id"},
					&cli.StringFlag{Name: "hash", Required: true, Usage: "source transaction hash"},
					&cli.StringFlag{Name: "destination", Required: true, Usage: "final destination chain id"},
				},
				Action: withClient(func(cliCtx *cli.Context, c rpc.ClientInterface) (interface{}, error) {
					return c.Track(orchestrator.TrackRequest{
						Type:                    xcall.TxType(cliCtx.String("type")),
						SourceChainID:           cliCtx.String("source"),
						SourceTxHash:            cliCtx.String("hash"),
						FinalDestinationChainID: cliCtx.String("destination"),
					})
				}),
			},
		},
	}
}

func withClient(fn func(*cli.Context, rpc.ClientInterface) (interface{}, error)) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		factory := &rpc.ClientFactory{}
		res, err := fn(cliCtx, factory.NewClient(cliCtx.String(config.FlagRPCURL)))
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cliCtx.App.Writer, string(out))
		return err
	}
}

func readIntent(path string) (xcall.TransactionIntent, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return xcall.TransactionIntent{}, fmt.Errorf("failed to read intent: %w", err)
	}
	var intent xcall.TransactionIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return xcall.TransactionIntent{}, fmt.Errorf("invalid intent: %w", err)
	}
	return intent, nil
}
