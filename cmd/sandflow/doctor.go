package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/store"
)

type doctorCheck struct {
	Name    string
	Status  string
	Details string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run environment checks",
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	checks := doctorChecks(ctx, cfg)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAILS")
	failed := 0
	for _, c := range checks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Details)
		if c.Status == "FAIL" {
			failed++
		}
	}
	tw.Flush()

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func doctorChecks(ctx context.Context, cfg *config.Config) []doctorCheck {
	var checks []doctorCheck
	add := func(name string, err error, ok string) {
		if err != nil {
			checks = append(checks, doctorCheck{name, "FAIL", err.Error()})
			return
		}
		checks = append(checks, doctorCheck{name, "OK", ok})
	}

	prov, err := openProvider(cfg.Provider)
	switch {
	case err != nil:
		add("provider", err, "")
	case prov == nil:
		add("provider", fmt.Errorf("kind %q cannot host sandboxes", cfg.Provider.Kind), "")
	default:
		add("provider", prov.Ping(ctx), prov.Name()+" reachable")
		prov.Close()
	}

	st, err := store.New(cfg.DBPath, 0)
	if err == nil {
		st.Close()
	}
	add("store", err, cfg.DBPath)

	_, err = loadValidator(cfg.Validator)
	policy := "built-in policy"
	if cfg.Validator.PolicyPath != "" {
		policy = cfg.Validator.PolicyPath
	}
	add("validator", err, policy)

	if len(cfg.Auth.Tokens) == 0 {
		checks = append(checks, doctorCheck{"auth", "WARN", "no tokens configured"})
	} else {
		checks = append(checks, doctorCheck{"auth", "OK", fmt.Sprintf("%d token(s)", len(cfg.Auth.Tokens))})
	}

	if cfg.Agent.GeminiAPIKey == "" {
		checks = append(checks, doctorCheck{"agent", "WARN", "disabled: no model API key"})
	} else {
		checks = append(checks, doctorCheck{"agent", "OK", cfg.Agent.Model})
	}
	return checks
}
