// Package config loads the governance policy file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/dukex/orion/pkg/gate"
	"github.com/dukex/orion/pkg/validation"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultArchiveRetention = 50
	DefaultPruneSchedule    = "0 3 * * *"
)

// Policy holds the tunable governance settings.
type Policy struct {
	MaxDeploymentsPerHour       int           `yaml:"max_deployments_per_hour"      validate:"gte=1"`
	DeployTimeout               time.Duration `yaml:"deploy_timeout"                validate:"gt=0"`
	ArchiveRetention            int           `yaml:"archive_retention"             validate:"gte=1"`
	PruneSchedule               string        `yaml:"prune_schedule"                validate:"required,cron"`
	DeniedNodeTypes             []string      `yaml:"denied_node_types"             validate:"dive,required"`
	SensitiveCredentialPatterns []string      `yaml:"sensitive_credential_patterns" validate:"dive,required"`
}

// Default returns the policy used when no file is configured.
func Default() Policy {
	return Policy{
		MaxDeploymentsPerHour:       gate.DefaultMaxDeploymentsPerHour,
		DeployTimeout:               gate.DefaultDeployTimeout,
		ArchiveRetention:            DefaultArchiveRetention,
		PruneSchedule:               DefaultPruneSchedule,
		DeniedNodeTypes:             []string{},
		SensitiveCredentialPatterns: []string{},
	}
}

// Load reads a YAML policy file over the defaults. An empty path or a missing
// file yields the defaults.
func Load(path string) (Policy, error) {
	policy := Default()

	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return policy, nil
	}

	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse YAML policy: %w", err)
	}

	if err := Validate(policy); err != nil {
		return Policy{}, err
	}

	return policy, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func newValidate() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cronParser.Parse(fl.Field().String())

		return err == nil
	})

	return validate
}

// Validate checks the policy values and the prune schedule.
func Validate(policy Policy) error {
	if err := newValidate().Struct(policy); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			fieldErr := validationErrors[0]

			return fmt.Errorf("invalid policy: %s failed on %s", fieldErr.Namespace(), fieldErr.Tag())
		}

		return fmt.Errorf("invalid policy: %w", err)
	}

	return nil
}

// Schedule parses the prune schedule.
func (p Policy) Schedule() (cron.Schedule, error) {
	return cronParser.Parse(p.PruneSchedule)
}

// GateConfig returns the gate settings of the policy.
func (p Policy) GateConfig() gate.Config {
	return gate.Config{
		MaxDeploymentsPerHour: p.MaxDeploymentsPerHour,
		DeployTimeout:         p.DeployTimeout,
	}
}

// ValidatorOptions returns the rule set extensions of the policy.
func (p Policy) ValidatorOptions() validation.Options {
	return validation.Options{
		DeniedNodeTypes:    p.DeniedNodeTypes,
		CredentialPatterns: p.SensitiveCredentialPatterns,
	}
}
