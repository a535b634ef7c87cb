package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/validation"
	"github.com/dukex/orion/pkg/workflow"
	"github.com/urfave/cli/v3"
)

// DiffReport is what `orion diff` prints.
type DiffReport struct {
	PreviousHash string             `json:"previousHash"`
	ProposedHash string             `json:"proposedHash"`
	Diff         models.DiffSummary `json:"diff"`
	TotalChanges int                `json:"totalChanges"`
	RiskScore    int                `json:"riskScore"`
	RiskLevel    models.RiskLevel   `json:"riskLevel"`
}

func NewDiffCommand() *cli.Command {
	return &cli.Command{
		Name:  "diff",
		Usage: "Print the change summary and risk between two workflow documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "from",
				Usage: "Current workflow JSON (omit for a new workflow)",
			},
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Proposed workflow JSON",
				Required: true,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			report, err := diffFiles(command.String("from"), command.String("to"))
			if err != nil {
				return err
			}

			return printJSON(command.Root().Writer, report)
		},
	}
}

func diffFiles(fromPath, toPath string) (*DiffReport, error) {
	var previous *models.WorkflowDefinition

	if fromPath != "" {
		def, err := readWorkflow(fromPath)
		if err != nil {
			return nil, err
		}

		previous = def
	}

	proposed, err := readWorkflow(toPath)
	if err != nil {
		return nil, err
	}

	previousHash := models.NewWorkflowHash
	if previous != nil {
		previousHash, err = workflow.VersionHash(previous)
		if err != nil {
			return nil, err
		}
	}

	proposedHash, err := workflow.VersionHash(proposed)
	if err != nil {
		return nil, err
	}

	diff := workflow.Diff(previous, proposed)
	score := validation.RiskScore(diff)

	return &DiffReport{
		PreviousHash: previousHash,
		ProposedHash: proposedHash,
		Diff:         diff,
		TotalChanges: diff.TotalChanges(),
		RiskScore:    score,
		RiskLevel:    validation.LevelFor(score),
	}, nil
}

// readWorkflow loads a workflow document, checking it against the schema.
func readWorkflow(path string) (*models.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	def, err := validation.ValidateDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return def, nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}
