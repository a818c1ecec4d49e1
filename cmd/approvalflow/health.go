package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/approvalflow/internal/lock"
	"github.com/jordanhubbard/approvalflow/internal/messagebus"
	"github.com/jordanhubbard/approvalflow/pkg/config"
)

type componentHealth struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that n8n and any configured Redis and NATS servers are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			checks := checkHealth(ctx, cfg)
			if err := render(cmd.OutOrStdout(), checks, func(w io.Writer) error {
				fmt.Fprintln(w, "COMPONENT\tENDPOINT\tHEALTHY\tERROR")
				for _, c := range checks {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", c.Name, c.Endpoint, c.Healthy, oneLine(c.Error))
				}
				return nil
			}); err != nil {
				return err
			}

			for _, c := range checks {
				if !c.Healthy {
					return &exitError{code: 1, msg: fmt.Sprintf("%s is unreachable at %s", c.Name, c.Endpoint)}
				}
			}
			return nil
		},
	}
}

func checkHealth(ctx context.Context, cfg *config.Config) []componentHealth {
	client := newN8nClient(cfg, &http.Client{Timeout: cfg.N8n.HealthTimeout})
	checks := []componentHealth{{
		Name:     "n8n",
		Endpoint: client.BaseURL(),
		Healthy:  client.HealthCheck(ctx),
	}}

	if cfg.Redis.URL != "" {
		c := componentHealth{Name: "redis", Endpoint: cfg.Redis.URL}
		locker, err := lock.NewRedisLockerFromURL(cfg.Redis.URL, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
		if err == nil {
			err = locker.Ping(ctx)
			_ = locker.Close()
		}
		c.Healthy = err == nil
		if err != nil {
			c.Error = err.Error()
		}
		checks = append(checks, c)
	}

	if cfg.NATS.URL != "" {
		c := componentHealth{Name: "nats", Endpoint: cfg.NATS.URL}
		bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    cfg.NATS.Timeout,
		})
		if err == nil {
			err = bus.Health()
			_ = bus.Close()
		}
		c.Healthy = err == nil
		if err != nil {
			c.Error = err.Error()
		}
		checks = append(checks, c)
	}

	return checks
}
