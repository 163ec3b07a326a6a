package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/core"
	"github.com/questline/questline-client/questClient/db"
	"github.com/questline/questline-client/questClient/ethrpc"
	"github.com/questline/questline-client/questClient/logger"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command, v *viper.Viper) {
	rootCmd.AddCommand(startCmd(v))
	rootCmd.AddCommand(initCmd(v))
	rootCmd.AddCommand(statusCmd(v))
	rootCmd.AddCommand(versionCmd())
}

// loadConfig reads <home>/config/questd_config.json, falling back to the
// embedded defaults when no file exists, then applies flags and env.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	home := v.GetString("home")
	cfg, err := config.Load(home)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		defaults, derr := config.LoadDefaultConfig()
		if derr != nil {
			return nil, derr
		}
		cfg = *defaults
		cfg.NodeHome = home
	}
	config.ApplyOverrides(&cfg, v)
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func startCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the transaction client",
		Long: `
Start the queue, lifecycle tracker, read cache and query server for the
signing account. The signer key is read from QUESTD_SIGNER_KEY (a .env file
in the working directory is honoured).
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log := logger.New(cfg)

			key := v.GetString("signer-key")
			if key == "" {
				return errors.New("QUESTD_SIGNER_KEY is not set")
			}

			rpc, err := ethrpc.NewRPCClient(cfg.RPCURLs, cfg.ChainID, log)
			if err != nil {
				return errors.Wrap(err, "failed to connect to chain")
			}
			defer rpc.Close()

			submitter, err := ethrpc.NewKeyedSubmitter(rpc, key, big.NewInt(cfg.ChainID), log)
			if err != nil {
				return err
			}
			cfg.Account, err = resolveAccount(cfg.Account, submitter.Address())
			if err != nil {
				return err
			}

			var database *db.DB
			if cfg.JournalEnabled {
				database, err = db.OpenFileDB(cfg.ResolveJournalPath(), true)
				if err != nil {
					return errors.Wrap(err, "failed to open journal")
				}
				defer database.Close()
			}

			session, err := core.New(cfg, core.Deps{
				Submitter: submitter,
				Reader:    ethrpc.NewReader(rpc, log),
				Poller:    ethrpc.NewReceiptPoller(rpc, log),
				Health:    rpc,
				DB:        database,
				Logger:    log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := session.Start(ctx); err != nil {
				session.Teardown()
				return err
			}
			<-ctx.Done()
			session.Teardown()
			return nil
		},
	}
}

func initCmd(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := v.GetString("home")
			if _, err := config.Load(home); err == nil && !force {
				return fmt.Errorf("config already exists under %s (use --force to overwrite)", home)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			config.ApplyOverrides(cfg, v)
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "📝 Config written under %s\n", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", cfg.QueryServerPort)
			return fetchStatus(cmd.Context(), url, cmd.OutOrStdout())
		},
	}
}

func fetchStatus(ctx context.Context, url string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "daemon not reachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "failed to decode status")
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print questd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "questd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}

// resolveAccount returns the account the role gate checks. It must be the
// address the signer key signs for.
func resolveAccount(configured string, signer common.Address) (string, error) {
	if configured == "" {
		return signer.Hex(), nil
	}
	if !common.IsHexAddress(configured) || common.HexToAddress(configured) != signer {
		return "", errors.Errorf("configured account %s does not match signer key address %s", configured, signer.Hex())
	}
	return signer.Hex(), nil
}
