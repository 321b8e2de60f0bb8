// Command nuwax-upgrade upgrades a docker-compose deployment of the Nuwax
// stack from a release manifest.
//
// Usage:
//
//	nuwax-upgrade check   --manifest https://releases.example.com/nuwax/manifest.json
//	nuwax-upgrade apply   --manifest ./manifest.yaml [--force-full]
//	nuwax-upgrade schema-diff --old v1.sql --new v2.sql --from 1.0.0 --to 1.1.0
//	nuwax-upgrade migrate --file /var/cache/nuwax/1.1.0/schema_1.0.0_to_1.1.0.sql
//	nuwax-upgrade history
//	nuwax-upgrade gc --dry-run
//
// Configuration is read from nuwax-upgrade.yaml (working directory or
// /etc/nuwax) and NUWAX_* environment variables, e.g. NUWAX_INSTALL_ROOT.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nuwax-ai/nuwax-cli-sub001/patch"
)

// Exit codes
const (
	exitOK             = 0
	exitFailure        = 1
	exitManualRecovery = 2
)

// app carries the state shared by all commands.
type app struct {
	viper   *viper.Viper
	cfgPath string
	logLvl  string
	jsonOut bool

	cfg    Config
	logger *logrus.Logger
	styles *Styles
}

func newApp() *app {
	return &app{
		viper:  viper.New(),
		logger: logrus.New(),
		styles: DefaultStyles(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nuwax-upgrade",
		Short:         "Upgrade a docker-compose deployment of the Nuwax stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./nuwax-upgrade.yaml or /etc/nuwax/nuwax-upgrade.yaml)")
	root.PersistentFlags().StringVar(&a.logLvl, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newCheckCmd(a),
		newApplyCmd(a),
		newSchemaDiffCmd(a),
		newMigrateCmd(a),
		newHistoryCmd(a),
		newGCCmd(a),
	)
	return root
}

// load reads the configuration and configures the logger.
func (a *app) load(logOut io.Writer) error {
	cfg, err := loadConfig(a.viper, a.cfgPath)
	if err != nil {
		return err
	}
	if a.logLvl != "" {
		cfg.LogLevel = a.logLvl
	}
	a.cfg = cfg
	return setupLogger(a.logger, logOut, cfg.LogLevel, cfg.LogFormat)
}

// setupLogger configures logger for level and format ("text" or "json").
func setupLogger(logger *logrus.Logger, out io.Writer, level, format string) error {
	logger.SetOutput(out)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)
	return nil
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if kind, ok := patch.KindOf(err); ok && kind == patch.KindRollbackFailed {
		return exitManualRecovery
	}
	return exitFailure
}

func main() {
	a := newApp()
	err := newRootCmd(a).Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, a.styles.Error.Render(SymbolError+" "+err.Error()))
	}
	os.Exit(exitCode(err))
}
