package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gregoryjjb/verdant/manager"
)

func loadConfig(fs VerdantFS) (*Config, error) {
	config, err := NewConfig(fs, flags, os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := InitializeLogger(config.LogLevel(), config.LogJSON()); err != nil {
		return nil, err
	}
	return config, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the managers and the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		NoEmbed, _ = cmd.Flags().GetBool("no-embed")

		fs := NewVerdantOSFS()
		config, err := loadConfig(fs)
		if err != nil {
			return err
		}

		info := GetBuildInfo()
		log.Info().
			Str("version", info.Version).
			Str("build_timestamp", info.BuildTime.Format(time.RFC3339)).
			Str("commit_hash", info.CommitHash).
			Str("config", config.Path()).
			Str("data_dir", config.DataDir()).
			Msg("Initializing Verdant")

		o, err := NewOrchestrator(config, fs)
		if err != nil {
			return err
		}
		defer o.Close()

		handler, err := NewRouter(o, config, info)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return o.Run(gctx)
		})
		g.Go(func() error {
			return StartServer(gctx, config, handler)
		})
		return g.Wait()
	},
}

// parseValue reads numbers, booleans and JSON literals as such and
// anything else as a plain string.
func parseValue(s string) any {
	if s == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

var eventCmd = &cobra.Command{
	Use:   "event <peripheral> <type>",
	Short: "Submit an event to a running instance",
	Example: `  verdant event chiller enable_manual_mode
  verdant event chiller set_desired --variable water_temperature_celsius --value 18
  verdant event mister set_sampling_interval --value 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(NewVerdantOSFS())
		if err != nil {
			return err
		}

		variable, _ := cmd.Flags().GetString("variable")
		value, _ := cmd.Flags().GetString("value")

		body, err := json.Marshal(map[string]any{
			"type":     args[1],
			"variable": variable,
			"value":    parseValue(value),
		})
		if err != nil {
			return err
		}

		host := config.Host()
		if host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		endpoint := fmt.Sprintf("http://%s:%s/api/peripherals/%s/events", host, config.Port(), url.PathEscape(args[0]))

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var res manager.Response
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return fmt.Errorf("unexpected response (%s): %w", resp.Status, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", res.Code, res.Message)
		if res.Code != http.StatusOK {
			return fmt.Errorf("event rejected with %d", res.Code)
		}
		return nil
	},
}

var setupsCmd = &cobra.Command{
	Use:   "setups",
	Short: "List the available peripheral setups",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := NewVerdantOSFS()
		config, err := loadConfig(fs)
		if err != nil {
			return err
		}

		setups, err := LoadSetups(fs, config.DataDir())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDRIVER\tPOLICY\tDESCRIPTION")
		for _, s := range SortedSetups(setups) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Driver, s.Policy, strings.TrimSpace(s.Description))
		}
		return w.Flush()
	},
}

func init() {
	runCmd.Flags().BoolVar(&flags.Simulate, "simulate", false, "Simulate all hardware")
	runCmd.Flags().Bool("no-embed", false, "Read the dashboard template from ./www on every request")

	eventCmd.Flags().String("variable", "", "Variable for set_desired")
	eventCmd.Flags().String("value", "", "Event value, parsed as JSON when possible")
}
