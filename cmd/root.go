// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/config"
	"github.com/xkilldash9x/profilepilot/internal/observability"
)

// viperKeyAnnotation maps a flag onto the configuration key it overrides.
const viperKeyAnnotation = "viper_key"

// app carries the state every subcommand shares once PersistentPreRunE ran.
type app struct {
	v       *viper.Viper
	cfgFile string
	envFile string

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCommand builds a fresh command tree. Each call has its own viper
// instance, so flags from one execution never leak into the next.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:          "profilepilot",
		Short:        "ProfilePilot drives accounts through a multi-stage signup wizard.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newCrawlCmd(a),
		newMigrateCmd(a),
		newAccountsCmd(a),
		newOTPCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree under ctx, which main makes signal aware.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted by signal.")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// bindFlag marks flag name as an override for the configuration key.
func bindFlag(cmd *cobra.Command, name, key string) {
	_ = cmd.Flags().SetAnnotation(name, viperKeyAnnotation, []string{key})
}

// initialize loads .env, the config file and the environment, applies flag
// overrides, validates the result and sets up logging.
func (a *app) initialize(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}

	config.SetDefaults(a.v)
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.AddConfigPath(".")
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	a.v.SetEnvPrefix("PROFILEPILOT")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(keys[0], f)
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "profilepilot"})
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	a.logger = observability.GetLogger()
	a.logger.Debug("Starting ProfilePilot", zap.String("version", Version), zap.String("command", cmd.Name()))
	return nil
}
