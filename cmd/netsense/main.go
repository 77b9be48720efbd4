package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/minio/cli"
)

// Version 构建时通过 -ldflags 覆盖
var Version = "0.1.0"

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "c,config",
		Usage:  "config file",
		Value:  "netsense.yaml",
		EnvVar: "NETSENSE_CONFIG",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "netsense"
	app.Usage = "capture page traffic and forward tracked requests"
	app.Version = Version
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the background relay and the control API",
			Action: serveAction,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen", Usage: "control API address, overrides config"},
				cli.StringFlag{Name: "devtools", Usage: "browser devtools url, overrides config"},
			},
		},
		{
			Name:   "state",
			Usage:  "print the rule store state",
			Action: stateAction,
		},
		{
			Name:      "fetch",
			Usage:     "GET a url from a local tab and print the pipeline events",
			ArgsUsage: "<url>",
			Action:    fetchAction,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "wait", Usage: "how long to collect events", Value: defaultWait},
			},
		},
		{
			Name:   "version",
			Usage:  "print version",
			Action: versionAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("netsense: %v", err))
		os.Exit(1)
	}
}

func versionAction(*cli.Context) error {
	fmt.Println(color.YellowString("netsense %s", Version))
	return nil
}
