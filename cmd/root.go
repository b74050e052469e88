package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kvopt/kv-optkit/kvopt"
)

var (
	configPath   string // YAML config; defaults apply when empty
	logLevel     string // Log verbosity level
	seed         int64  // Seed for workload generation and shadow sampling
	numSequences int    // Number of synthetic sequences to seed
	hbmFill      float64
	workloadPath string // Optional preset file
	workloadName string // Preset name inside workloadPath
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "kvopt",
	Short: "KV-cache HBM advisor and autopilot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// loadConfig reads --config, or returns the defaults when it is unset.
// An invalid file is fatal.
func loadConfig() *kvopt.Config {
	if configPath == "" {
		return kvopt.DefaultConfig()
	}
	cfg, err := kvopt.LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// loadWorkload resolves the workload preset from the flags.
func loadWorkload(cfg *kvopt.Config) Workload {
	if workloadPath == "" {
		return DefaultWorkload(cfg, numSequences, hbmFill)
	}
	w, err := GetWorkload(workloadPath, workloadName)
	if err != nil {
		logrus.Fatalf("Failed to load workload: %v", err)
	}
	if numSequences > 0 {
		w.Sequences = numSequences
	}
	return w
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to kvopt YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 42, "Seed for workload generation and shadow sampling")
	rootCmd.PersistentFlags().IntVar(&numSequences, "sequences", 8, "Number of synthetic sequences to seed")
	rootCmd.PersistentFlags().Float64Var(&hbmFill, "fill", 0.92, "Fraction of HBM the seeded sequences occupy on average")
	rootCmd.PersistentFlags().StringVar(&workloadPath, "workload-file", "", "YAML file of workload presets")
	rootCmd.PersistentFlags().StringVar(&workloadName, "workload", "", "Preset name inside --workload-file")

	rootCmd.AddCommand(adviseCmd)
	rootCmd.AddCommand(autopilotCmd)
}
