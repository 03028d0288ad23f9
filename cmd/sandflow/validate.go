package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p-arndt/sandflow/internal/config"
	"github.com/p-arndt/sandflow/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <command>",
	Short: "Check a command against the validator policy without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	// Everything after the first word belongs to the checked command.
	validateCmd.Flags().SetInterspersed(false)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	v, err := loadValidator(cfg.Validator)
	if err != nil {
		return err
	}

	res := v.Validate(strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if res.IsValid {
		fmt.Fprintf(out, "ok: %s\n", res.Command)
		return nil
	}
	fmt.Fprintf(out, "rejected (%s): %s\n", res.Rule, res.Reason)
	return fmt.Errorf("command rejected")
}

func loadValidator(cfg config.ValidatorConfig) (*validator.Validator, error) {
	if cfg.PolicyPath == "" {
		return validator.New(nil), nil
	}
	p, err := validator.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load validator policy: %w", err)
	}
	return validator.New(p), nil
}
