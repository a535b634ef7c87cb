package main

import (
	"context"
	"errors"

	"github.com/dukex/orion/pkg/config"
	"github.com/dukex/orion/pkg/log"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/validation"
	"github.com/urfave/cli/v3"
)

var errValidationFailed = errors.New("workflow failed validation")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Run the change validator offline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow",
				Aliases:  []string{"w"},
				Usage:    "Proposed workflow JSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "previous",
				Usage: "Currently deployed workflow JSON (omit for a new workflow)",
			},
			&cli.StringFlag{
				Name:     "reason",
				Usage:    "Reason for the change",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "policy",
				Usage:   "Path to the YAML policy file",
				Sources: cli.EnvVars("ORION_POLICY"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			policy, err := config.Load(command.String("policy"))
			if err != nil {
				return err
			}

			validator, err := validation.NewValidator(log.WithModule("cli"), policy.ValidatorOptions())
			if err != nil {
				return err
			}

			var previous *models.WorkflowDefinition
			if path := command.String("previous"); path != "" {
				previous, err = readWorkflow(path)
				if err != nil {
					return err
				}
			}

			proposed, err := readWorkflow(command.String("workflow"))
			if err != nil {
				return err
			}

			report := validator.Check(previous, proposed, command.String("reason"))

			if err := printJSON(command.Root().Writer, report); err != nil {
				return err
			}

			if report.HasErrors() {
				return errValidationFailed
			}

			return nil
		},
	}
}
