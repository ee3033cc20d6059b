package flash

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/logctx"
	"bmc-flashd/internal/security"
)

// Runner executes a boot-environment tool.
type Runner interface {
	Run(ctx context.Context, operation, name string, args ...string) error
}

// ExecRunner runs commands through the security policy.
type ExecRunner struct {
	Security *security.Config
}

func (r ExecRunner) Run(ctx context.Context, operation, name string, args ...string) error {
	logger := logctx.GetLogger(ctx).WithFields(logrus.Fields{
		"operation": operation,
		"command":   strings.Join(append([]string{name}, args...), " "),
	})

	cmd, cancel, err := r.Security.Command(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s refused: %w", operation, err)
	}
	defer cancel()

	logger.Debug("running command")
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":  err,
			"output": security.SanitizeLogOutput(string(output)),
		}).Error("command failed")
		return fmt.Errorf("%s failed: %w", operation, err)
	}

	if len(output) > 0 {
		logger.WithField("output", security.SanitizeLogOutput(string(output))).Debug("command output")
	}
	return nil
}
