package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"report-pipeline/internal/config"
	"report-pipeline/internal/realtime"
	"report-pipeline/internal/subscriber"
)

type WatchCmd struct {
	Org     string `arg:"" help:"Tenant (organization) ID"`
	JobID   string `help:"Follow a single job instead of every job of the tenant"`
	Reports bool   `help:"Also follow report status events"`
	URL     string `help:"Realtime websocket URL" default:"ws://localhost:8080/realtime" env:"REPORT_REALTIME_URL"`
	Token   string `help:"JWT for the gateway" required:"" env:"REPORT_TOKEN"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	lg := globals.logger()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topics := []string{realtime.JobsTopic(w.Org)}
	if w.JobID != "" {
		topics = []string{realtime.JobTopic(w.Org, w.JobID)}
	}
	if w.Reports {
		topics = append(topics, realtime.ReportsTopic(w.Org))
	}

	opts := subscriber.OptionsFromConfig(config.Load(), lg)
	opts.OnStatus = func(topic string, status subscriber.Status, err error) {
		ev := lg.Info().Str("topic", topic).Str("status", string(status))
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("subscription status")
	}
	m := subscriber.NewManager(subscriber.NewWebsocketTransport(w.URL), subscriber.StaticToken(w.Token), opts)
	defer m.Close()

	subs := make([]*subscriber.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := m.Subscribe(topic, func(ev realtime.Event) { _ = printJSON(ev) })
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-firstDone(subs):
	}
	for _, sub := range subs {
		if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// firstDone closes when any subscription stops for good.
func firstDone(subs []*subscriber.Subscription) <-chan struct{} {
	out := make(chan struct{})
	var once sync.Once
	for _, sub := range subs {
		go func() {
			<-sub.Done()
			once.Do(func() { close(out) })
		}()
	}
	return out
}
