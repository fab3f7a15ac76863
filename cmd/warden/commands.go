package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/audit"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/gateway"
	"github.com/haasonsaas/warden/internal/skills"
)

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.Load(flagConfig)
	}
	return config.FromEnv()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			g, err := gateway.New(cfg, slog.Default())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				slog.Info("shutting down")
				cancel()
				g.Stop()
				os.Exit(0)
			}()

			if err := g.Start(ctx); err != nil {
				return err
			}
			defer g.Stop()

			return g.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}

func loadManifest(cfg *config.Config) (*skills.Manifest, error) {
	if cfg.SkillsDir != "" {
		return skills.LoadManifestDir(cfg.SkillsDir)
	}
	return skills.LoadManifestFile(cfg.SkillsFile)
}

func newSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect skill manifests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the loaded skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manifest, err := loadManifest(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLES\tTOOLS\tMEMORY")
			for _, s := range manifest.Skills {
				mem := ""
				if s.Grants != nil {
					mem = string(s.Grants.Memory)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.ID, len(s.AllowedRoles), len(s.AllowedTools), mem)
			}
			return w.Flush()
		},
	})
	return cmd
}

func newRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the compiled role table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List compiled roles and their effective grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			manifest, err := loadManifest(cfg)
			if err != nil {
				return err
			}
			table := skills.Compile(manifest, slog.Default())

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tINHERITS\tSERVERS\tTOOL PATTERNS\tMEMORY")
			for _, id := range table.RoleIDs() {
				role, _ := table.Role(id)
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					id, role.Inherits,
					len(table.EffectiveServers(id)),
					len(table.EffectiveToolPatterns(id)),
					table.EffectiveMemory(id).Level)
			}
			return w.Flush()
		},
	})
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats FILE",
		Short: "Summarize an exported audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			entries, err := audit.ParseExport(data)
			if err != nil {
				return err
			}

			byResult := make(map[audit.Result]int)
			withThinking := 0
			for _, e := range entries {
				byResult[e.Result]++
				if e.Thinking != nil {
					withThinking++
				}
			}

			fmt.Printf("entries: %d\n", len(entries))
			for _, result := range []audit.Result{audit.ResultAllowed, audit.ResultDenied, audit.ResultError} {
				fmt.Printf("  %s: %d\n", result, byResult[result])
			}
			if len(entries) > 0 {
				fmt.Printf("thinking coverage: %.1f%%\n", 100*float64(withThinking)/float64(len(entries)))
			}
			return nil
		},
	})
	return cmd
}
