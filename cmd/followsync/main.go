package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/followsync/followsync"
	"tangled.sh/tangled.sh/followsync/log"
)

func main() {
	cmd := &cli.Command{
		Name:    "followsync",
		Usage:   "keep a local mirror of your bluesky follow graph",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file read before the environment",
				Value: ".env",
			},
		},
		Commands: followsync.Commands(),
	}

	ctx := context.Background()
	logger := log.New("followsync")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
