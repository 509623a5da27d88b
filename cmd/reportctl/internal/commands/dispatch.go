package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

type DispatchCmd struct {
	Server       string        `help:"API base URL" default:"http://localhost:8080" env:"REPORT_API_URL"`
	ServiceToken string        `help:"Worker service token" required:"" env:"WORKER_SERVICE_TOKEN"`
	Limit        int           `help:"Jobs to claim; 0 uses the server default" default:"0"`
	Timeout      time.Duration `help:"Request timeout" default:"5m"`
}

func (d *DispatchCmd) Run(ctx context.Context) error {
	path := "/reports-worker/run"
	if d.Limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, d.Limit)
	}
	var out map[string]any
	if _, err := newAPIClient(d.Server, d.ServiceToken, d.Timeout).do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}
