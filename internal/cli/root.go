package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"delta-hedger/internal/config"
	"delta-hedger/internal/logging"
	"delta-hedger/pkg/utils"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-01-01"
)

// Command annotations controlling how configuration is loaded.
const (
	annotationConfig = "config"
	configNone       = "none"
	configUnchecked  = "unchecked"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "hedger",
		Short: "Delta-neutral short strangle hedger for index options",
		Long: `Delta Hedger sells an out-of-the-money call and put at a target delta
each morning and keeps the pair delta-neutral through the session.

When the legs drift apart it rolls the losing leg to the delta of the
winning one, buys a vega hedge after repeated adjustments, and closes
everything at the exit time or on the portfolio stop-loss.

Use 'hedger run' to start trading and 'hedger sessions' to review results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/delta-hedger)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newSessionsCmd(app))
	addAuthCommands(rootCmd, app)

	return rootCmd
}

// load reads configuration and builds the logger for cmd.
func (a *App) load(cmd *cobra.Command) error {
	mode := cmd.Annotations[annotationConfig]
	if mode == configNone {
		return nil
	}

	dir, _ := cmd.Flags().GetString("config")
	var err error
	if mode == configUnchecked {
		a.Config, err = config.LoadUnchecked(dir)
	} else {
		a.Config, err = config.Load(dir)
	}
	if err != nil {
		return err
	}

	a.Logger = logging.NewLoggerWithConfig(logConfig(a.Config.Logging))

	// Handle debug flag
	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

func logConfig(c config.LoggingConfig) logging.LogConfig {
	lc := logging.DefaultLogConfig()
	if c.Level != "" {
		lc.Level = c.Level
	}
	lc.Console = c.Console
	lc.File = c.File
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	if c.MaxSize > 0 {
		lc.MaxSize = c.MaxSize
	}
	if c.MaxBackups > 0 {
		lc.MaxBackups = c.MaxBackups
	}
	if c.MaxAge > 0 {
		lc.MaxAge = c.MaxAge
	}
	return lc
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{annotationConfig: configNone},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Delta Hedger v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the hedger configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "show",
		Short:       "Show current configuration",
		Annotations: map[string]string{annotationConfig: configUnchecked},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{annotationConfig: configNone},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration files",
		Annotations: map[string]string{annotationConfig: configUnchecked},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:              %s\n", cfg.Trading.Mode)
	output.Printf("  Exchange/Product:  %s / %s\n", cfg.Trading.Exchange, cfg.Trading.Product)
	output.Println()

	output.Bold("Hedge")
	output.Printf("  Window:            %s - %s (%s)\n", cfg.Hedge.EntryTime, cfg.Hedge.ExitTime, cfg.Location())
	output.Printf("  Expiry:            %s, %s\n", cfg.Hedge.Expiry, cfg.ExpiryWeekday())
	output.Printf("  Initial Delta:     %.2f\n", cfg.Hedge.InitialDelta)
	output.Printf("  Delta Threshold:   %.2f\n", cfg.Hedge.DeltaThreshold)
	output.Printf("  Quantity:          %d (%d x %d)\n", cfg.Quantity(), cfg.Hedge.Lots, cfg.Hedge.LotSize)
	output.Printf("  Stop Loss:         %s\n", utils.FormatIndianCurrency(cfg.Hedge.PortfolioStopLoss))
	output.Printf("  Vega Hedge:        after %d adjustments at %.2f delta\n", cfg.Hedge.VegaAdjustmentTrigger, cfg.Hedge.VegaTargetDelta)
	if len(cfg.Hedge.Holidays) > 0 {
		output.Printf("  Holidays:          %d configured\n", len(cfg.Hedge.Holidays))
	}
	output.Println()

	output.Bold("Feed")
	output.Printf("  URL:               %s\n", cfg.Feed.URL)
	output.Printf("  Reconnect:         %s - %s\n", cfg.Feed.ReconnectInitial, cfg.Feed.ReconnectMax)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Trade Log:         %s\n", cfg.Store.Path)
	output.Printf("  Credentials:       %s\n", credentialStatus(cfg))
}

func credentialStatus(cfg *config.Config) string {
	z := cfg.Credentials.Zerodha
	switch {
	case z.APIKey == "":
		return "not configured"
	case z.AccessToken == "":
		return "api key set, not logged in (run 'hedger login')"
	default:
		return "api key and access token set"
	}
}
