package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/datamind/control-plane/internal/config"
	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/pkg/models"
	"github.com/datamind/control-plane/pkg/server"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "controlplane",
		Short:         "Inference control plane: tier routing, validation, escalation and provenance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if version != "dev" {
				cfg.Server.Version = version
			}
			configureLogging(cfg.Log)
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default ./config.yaml)")

	root.AddCommand(
		serveCmd(opts),
		routeCmd(opts),
		verifyCmd(),
		merkleCmd(),
		versionCmd(),
	)
	return root
}

func configureLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// ── serve ────────────────────────────────────────────────────

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", opts.cfg.Server.Version).Msg("Control plane starting...")
			srv, err := server.New(ctx, opts.cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				srv.Close(closeCtx)
			}()
			return srv.ListenAndServe(ctx)
		},
	}
}

// ── route ────────────────────────────────────────────────────

func routeCmd(opts *rootOptions) *cobra.Command {
	var (
		tenant  string
		tier    string
		domains []string
	)
	cmd := &cobra.Command{
		Use:   `route "<query>"`,
		Short: "Print the routing decision for a query without generating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := models.Query{Text: args[0], TenantID: tenant}
			for _, d := range domains {
				switch strings.ToLower(d) {
				case "finance":
					q.Hints.Finance = true
				case "medical":
					q.Hints.Medical = true
				case "legal":
					q.Hints.Legal = true
				default:
					return fmt.Errorf("unknown sensitivity domain %q", d)
				}
			}
			if tier != "" {
				t, err := models.ParseTier(tier)
				if err != nil {
					return err
				}
				q.ForceTier = &t
			}

			adapter, err := server.NewAdapter(opts.cfg.Tiers)
			if err != nil {
				return err
			}
			r, err := server.NewTierRouter(opts.cfg, adapter)
			if err != nil {
				return err
			}
			d, err := r.Route(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant id")
	cmd.Flags().StringVar(&tier, "tier", "", "force a tier (edge, local_small, cloud_standard, reasoning)")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "sensitivity hints: finance, medical, legal")
	return cmd
}

// ── provenance ───────────────────────────────────────────────

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <record.json>",
		Short: "Recompute the hashes of a provenance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var rec models.ProvenanceRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("parse record: %w", err)
			}
			if !provenance.Verify(rec) {
				return errors.New("provenance record does not verify")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: merkle root %s\n", rec.MerkleRoot)
			return nil
		},
	}
}

func merkleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merkle <output>...",
		Short: "Print the Merkle root over one or more outputs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := provenance.BuildMerkleTree(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root)
			return nil
		},
	}
}

// ── version ──────────────────────────────────────────────────

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
