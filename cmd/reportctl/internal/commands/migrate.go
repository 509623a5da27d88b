package commands

import (
	"context"
	"time"

	"report-pipeline/internal/store"
)

type MigrateCmd struct {
	DSN     string        `help:"Postgres DSN" required:"" env:"POSTGRES_DSN"`
	Timeout time.Duration `help:"Migration timeout" default:"2m"`
}

func (m *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	lg := globals.logger()
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	st, err := store.New(ctx, m.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}
	lg.Info().Msg("migrations applied")
	return nil
}
