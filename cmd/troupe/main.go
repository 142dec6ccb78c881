package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ensemblebots/troupe/internal/api"
	"github.com/ensemblebots/troupe/internal/bot"
	"github.com/ensemblebots/troupe/internal/config"
	"github.com/ensemblebots/troupe/internal/driver/mqttdriver"
	"github.com/ensemblebots/troupe/internal/events"
	"github.com/ensemblebots/troupe/internal/narrative"
	"github.com/ensemblebots/troupe/internal/state"
	"github.com/ensemblebots/troupe/internal/storage/postgres"
	"github.com/ensemblebots/troupe/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "troupe",
		Short: "Narrative engine and bot fleet for social platforms",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "fleet.yaml", "fleet configuration file")

	root.AddCommand(serveCmd(), runCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup wires the shared pieces: config, env, state store, optional
// Postgres, and the platform driver.
func setup() (*config.FleetConfig, *state.Store, *postgres.Client, *mqttdriver.Driver, error) {
	cfg, err := config.LoadFleetConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	envCfg, err := config.LoadEnv()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load environment: %w", err)
	}

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var pg *postgres.Client
	if envCfg.PGDatabase != "" {
		password, err := config.ResolveSecret("PGPASSWORD")
		if err != nil {
			return nil, nil, nil, nil, err
		}
		pg, err = postgres.New(postgres.Options{
			Host:     envCfg.PGHost,
			Port:     envCfg.PGPort,
			User:     envCfg.PGUser,
			Password: password,
			DBName:   envCfg.PGDatabase,
			FleetID:  cfg.Fleet.ID,
		})
		if err != nil {
			logrus.WithError(err).Warn("postgres unavailable, continuing without run history")
			pg = nil
		} else {
			events.SetPostgresClient(pg)
		}
	}

	broker := cfg.Driver.Broker
	if broker == "" {
		broker = envCfg.MQTTURL
	}
	mqttPassword, err := config.ResolveSecret("MQTT_PASSWORD")
	if err != nil {
		return nil, nil, nil, nil, err
	}
	drv, err := mqttdriver.Connect(mqttdriver.Config{
		BrokerURL:  broker,
		ClientID:   mqttdriver.ValidClientID(cfg.Fleet.ID),
		Username:   envCfg.MQTTUsername,
		Password:   mqttPassword,
		Descriptor: cfg.Driver.Descriptor,
		Timeout:    cfg.Driver.Timeout.Std(),
	})
	if err != nil {
		if pg != nil {
			pg.Close()
		}
		return nil, nil, nil, nil, fmt.Errorf("connect driver: %w", err)
	}

	return cfg, store, pg, drv, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, pg, drv, err := setup()
			if err != nil {
				return err
			}
			defer drv.Disconnect()
			if pg != nil {
				defer pg.Close()
			}

			hostname, _ := os.Hostname()
			events.Emit("info", "system.startup", "bot server starting", map[string]interface{}{
				"fleet":    cfg.Fleet.ID,
				"hostname": hostname,
				"pid":      os.Getpid(),
				"version":  version.Version,
			})

			server := bot.NewServer(cfg, store, pg)
			if err := server.Start(drv); err != nil {
				return fmt.Errorf("server start: %w", err)
			}

			api.SetFleet(server)
			api.SetNarrativeLister(server.Executor())
			envCfg, _ := config.LoadEnv()
			port := cfg.APIPort()
			if envCfg != nil && envCfg.APIPort != 0 {
				port = envCfg.APIPort
			}
			api.Start(port)

			logrus.WithFields(logrus.Fields{
				"fleet": cfg.Fleet.ID,
				"bots":  len(cfg.Bots),
				"port":  port,
			}).Info("bot server running")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			events.Emit("info", "system.shutdown", "signal received", map[string]interface{}{
				"fleet": cfg.Fleet.ID,
			})
			server.Stop()
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var scopeName string
	var files []string

	cmd := &cobra.Command{
		Use:   "run NARRATIVE",
		Short: "Execute a single narrative by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, pg, drv, err := setup()
			if err != nil {
				return err
			}
			defer drv.Disconnect()
			if pg != nil {
				defer pg.Close()
			}

			exec := narrative.NewExecutor(drv, pg, store)

			// Load the fleet's workflow files plus any extras, each once.
			loaded := make(map[string]bool)
			for _, bc := range cfg.Bots {
				if !loaded[bc.NarrativeFile] {
					if _, err := exec.LoadNarratives(bc.NarrativeFile); err != nil {
						return err
					}
					loaded[bc.NarrativeFile] = true
				}
			}
			for _, f := range files {
				if !loaded[f] {
					if _, err := exec.LoadNarratives(f); err != nil {
						return err
					}
					loaded[f] = true
				}
			}

			res, err := exec.ExecuteByName(context.Background(), args[0], state.Scope(scopeName))
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&scopeName, "scope", "s", "", "state scope to run under (required)")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "extra workflow file to load")
	cmd.MarkFlagRequired("scope")
	return cmd
}

func validateCmd() *cobra.Command {
	var descriptorPath string

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Load-check workflow files without executing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops map[string]struct{}
			if descriptorPath != "" {
				desc, err := mqttdriver.LoadDescriptor(descriptorPath)
				if err != nil {
					return err
				}
				ops = make(map[string]struct{}, len(desc.Operations))
				for _, op := range desc.Operations {
					ops[op] = struct{}{}
				}
			}

			for _, path := range args {
				loaded, err := narrative.LoadFile(path)
				if err != nil {
					return err
				}
				for _, n := range loaded {
					if ops != nil {
						for i, act := range n.Acts {
							if _, ok := ops[act.Operation]; !ok {
								return fmt.Errorf("%s: narrative %q act %d: operation %q not in %s",
									path, n.Name, i+1, act.Operation, descriptorPath)
							}
						}
					}
					fmt.Printf("%s: %s (%d acts)\n", path, n.Name, len(n.Acts))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&descriptorPath, "descriptor", "d", "", "platform descriptor to check operations against")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
