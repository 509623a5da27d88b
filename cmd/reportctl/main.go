package main

import (
	"context"

	"github.com/alecthomas/kong"

	"report-pipeline/cmd/reportctl/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Enqueue  commands.EnqueueCmd  `cmd:"" help:"Enqueue a monthly report job"`
		Dispatch commands.DispatchCmd `cmd:"" help:"Run one dispatch batch"`
		Watch    commands.WatchCmd    `cmd:"" help:"Watch realtime job and report events"`
		Migrate  commands.MigrateCmd  `cmd:"" help:"Apply database migrations"`
		Token    commands.TokenCmd    `cmd:"" help:"Issue a user JWT"`
		Debug    bool                 `help:"Enable debug logging."`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("reportctl"),
		kong.Description("Operate the monthly report pipeline."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
