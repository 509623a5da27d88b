package commands

import (
	"context"
	"fmt"
	"time"

	"report-pipeline/internal/auth"
)

type TokenCmd struct {
	Subject    string        `help:"Subject identifier" required:""`
	Orgs       []string      `help:"Organizations the token may access"`
	Admin      bool          `help:"Grant access to every organization"`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"JWT signing key" required:"" env:"AUTH_JWT_SECRET"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	role := ""
	if t.Admin {
		role = auth.RoleAdmin
	}
	token, err := auth.NewVerifier(t.SigningKey).Issue(t.Subject, t.Orgs, role, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
