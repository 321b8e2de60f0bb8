package upgrade

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExecCompose stops and starts the stack through the docker compose CLI.
type ExecCompose struct {
	// Command is the compose binary and any leading arguments
	Command     []string
	ComposeFile string
	ProjectName string
	logger      logrus.FieldLogger
}

// NewExecCompose creates an ExecCompose that runs "docker compose".
func NewExecCompose(composeFile, projectName string, logger logrus.FieldLogger) *ExecCompose {
	return &ExecCompose{
		Command:     []string{"docker", "compose"},
		ComposeFile: composeFile,
		ProjectName: projectName,
		logger:      logger,
	}
}

// Stop stops the project's containers without removing them.
func (c *ExecCompose) Stop(ctx context.Context) error {
	return c.run(ctx, "stop")
}

// Start recreates containers whose configuration changed and starts all of
// them in the background.
func (c *ExecCompose) Start(ctx context.Context) error {
	return c.run(ctx, "up", "-d", "--remove-orphans")
}

func (c *ExecCompose) args(sub ...string) []string {
	args := append([]string(nil), c.Command[1:]...)
	if c.ComposeFile != "" {
		args = append(args, "-f", c.ComposeFile)
	}
	if c.ProjectName != "" {
		args = append(args, "-p", c.ProjectName)
	}
	return append(args, sub...)
}

func (c *ExecCompose) run(ctx context.Context, sub ...string) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("compose command not configured")
	}
	args := c.args(sub...)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := c.logger.WithFields(logrus.Fields{
		"command": c.Command[0] + " " + strings.Join(args, " "),
	})
	logger.Info("running compose")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("compose %s failed: %w: %s", sub[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
