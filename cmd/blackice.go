package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Blackice/pkg/app"
	"Blackice/pkg/safety"
	"Blackice/store"
	"Blackice/utilities"
)

var (
	cfgFile string
	cfg     utilities.AppConfig
	logger  *utilities.Logger
)

// rootCmd represents the base command for the Blackice CLI.
var rootCmd = &cobra.Command{
	Use:   "blackice",
	Short: "Blackice broker execution engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		viper.SetConfigFile(cfgFile)
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		// Initialize logger
		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		return app.Run(ctx, &cfg, logger)
	},
}

// statusCmd queries a running instance's status endpoint.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running engine's safety state and account health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(statusURL(cfg.Web.ListenAddr))
		if err != nil {
			return fmt.Errorf("could not reach running instance: %w", err)
		}
		defer resp.Body.Close()

		var pretty map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
			return fmt.Errorf("bad status response: %w", err)
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// statusURL turns a listen address into the status endpoint URL. A bare
// ":port" address means the server bound every interface; localhost
// reaches it.
func statusURL(addr string) string {
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/status"
}

// armCmd advances the trading state one step toward live.
var armCmd = &cobra.Command{
	Use:   "arm",
	Short: "Advance the safety state: OFF -> DRY_RUN -> LIVE_PENDING_CONFIRMATION",
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, closeStore, err := openMachine()
		if err != nil {
			return err
		}
		defer closeStore()

		switch machine.Current() {
		case safety.StateOff:
			err = machine.Transition(safety.StateDryRun, "cli", "armed to dry run")
		case safety.StateDryRun:
			err = machine.Transition(safety.StateLivePending, "cli", "armed pending risk acknowledgment")
		default:
			return fmt.Errorf("cannot arm from %s", machine.Current())
		}
		if err != nil {
			return err
		}
		fmt.Printf("Safety state is now %s\n", machine.Current())
		return nil
	},
}

// ackCmd records the risk acknowledgment and activates live trading.
var ackCmd = &cobra.Command{
	Use:   "ack [acknowledgment text]",
	Short: "Record a risk acknowledgment and activate live trading",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machine, closeStore, err := openMachine()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := machine.AcknowledgeRisk("cli", args[0]); err != nil {
			return err
		}
		fmt.Printf("Safety state is now %s\n", machine.Current())
		return nil
	},
}

// haltCmd engages the kill switch and records an emergency stop. The
// sentinel file is written first so a running instance aborts in-flight
// retries within one retry interval.
var haltCmd = &cobra.Command{
	Use:   "halt [reason]",
	Short: "Engage the kill switch and force EMERGENCY_STOP",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "operator halt"
		if len(args) > 0 {
			reason = args[0]
		}

		killFile := cfg.Safety.KillSwitchFile
		if killFile == "" {
			killFile = "halt.flag"
		}
		if err := os.WriteFile(killFile, []byte(reason+"\n"), 0o644); err != nil {
			return fmt.Errorf("could not write kill switch file %s: %w", killFile, err)
		}
		fmt.Printf("Kill switch engaged: %s\n", killFile)

		machine, closeStore, err := openMachine()
		if err != nil {
			return err
		}
		defer closeStore()
		if err := machine.EmergencyStop("cli", reason); err != nil {
			return err
		}
		fmt.Println("Safety state is now EMERGENCY_STOP")
		return nil
	},
}

// resumeCmd clears the kill switch and returns EMERGENCY_STOP to OFF.
var resumeCmd = &cobra.Command{
	Use:   "resume [reason]",
	Short: "Clear the kill switch and return EMERGENCY_STOP to OFF",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := "operator investigated and cleared the stop"
		if len(args) > 0 {
			reason = args[0]
		}

		killFile := cfg.Safety.KillSwitchFile
		if killFile == "" {
			killFile = "halt.flag"
		}
		if err := os.Remove(killFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not remove kill switch file %s: %w", killFile, err)
		}

		machine, closeStore, err := openMachine()
		if err != nil {
			return err
		}
		defer closeStore()
		if machine.Current() != safety.StateEmergencyStop {
			fmt.Printf("Safety state is %s, nothing to resume\n", machine.Current())
			return nil
		}
		if err := machine.Transition(safety.StateOff, "cli", reason); err != nil {
			return err
		}
		fmt.Println("Safety state is now OFF")
		return nil
	},
}

// openMachine loads the safety machine directly from the durable store,
// so state commands work whether or not the engine is running.
func openMachine() (*safety.Machine, func(), error) {
	dataDir := cfg.DB.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	safetyStore, err := store.NewSafetyStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open safety store: %w", err)
	}
	machine, err := safety.Load(safetyStore, cfg.Safety.KillSwitchFile, logger)
	if err != nil {
		safetyStore.Close()
		return nil, nil, err
	}
	return machine, func() { safetyStore.Close() }, nil
}

// Execute runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file (default is config/config.json)")
	rootCmd.AddCommand(statusCmd, armCmd, ackCmd, haltCmd, resumeCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
