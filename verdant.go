package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func init() {
	// replaced once the config is read
	if err := InitializeLogger("info", false); err != nil {
		panic(err)
	}
}

// Populated by ldflags (ugh)
var (
	version            string
	buildUnixTimestamp string
	commitHash         string
)

func GetBuildInfo() BuildInfo {
	ts, _ := strconv.ParseInt(buildUnixTimestamp, 10, 64)
	return BuildInfo{
		Version:    version,
		CommitHash: commitHash,
		BuildTime:  time.Unix(ts, 0),
	}
}

var flags Flags

var rootCmd = &cobra.Command{
	Use:   "verdant",
	Short: "Verdant greenhouse peripheral controller",
	Long: `Verdant runs one manager per greenhouse peripheral (sensors, heaters,
chillers, lights, misters, pumps), keeps their readings and setpoints in a
shared store, and serves them over HTTP.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		info := GetBuildInfo()
		fmt.Println("Verdant version:", info.Version)
		fmt.Println("Built on:", info.BuildTime)
		fmt.Println("Commit hash:", info.CommitHash)
	},
}

var systemdCmd = &cobra.Command{
	Use:   "systemd",
	Short: "Print systemd service file",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		return SystemdServiceFile(cmd.OutOrStdout(), user, flags.ConfigPath)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.ConfigPath, "config", "c", "", "Path to "+ConfigFileName)
	pf.StringVar(&flags.DataDir, "data-dir", "", "Directory for setups and databases (default ~/.verdant)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&flags.Host, "host", "", "Host to listen on or connect to")
	pf.StringVar(&flags.Port, "port", "", "Port to listen on or connect to")

	systemdCmd.Flags().String("user", "pi", "User the service runs as")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(systemdCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(setupsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}
