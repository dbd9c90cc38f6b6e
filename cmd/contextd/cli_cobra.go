package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/contextd/pkg/api"
	"github.com/dotsetgreg/contextd/pkg/config"
	"github.com/dotsetgreg/contextd/pkg/logger"
	"github.com/dotsetgreg/contextd/pkg/memory"
)

const version = "0.3.0"

var (
	flagConfig  string
	flagVerbose bool
)

func executeCLI() error {
	root := &cobra.Command{
		Use:           "contextd",
		Short:         "Context and memory management service for agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.ExpandHome("~/.contextd/config.json"), "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(),
		newSessionsCmd(),
		newMemoriesCmd(),
		newHandoffsCmd(),
		newWatermarksCmd(),
		newPipelineCmd(),
		newVersionCmd(),
	)
	return root.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// serviceConfig maps the file/env config onto the service's runtime
// config.
func serviceConfig(cfg *config.Config) memory.ServiceConfig {
	sc := memory.DefaultServiceConfig(cfg.StorePath())
	sc.IdleTimeout = time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute
	sc.SweepSchedule = cfg.Sessions.SweepSchedule
	sc.AppendMaxRetries = cfg.Sessions.AppendMaxRetries
	sc.Scoring = memory.ScoringConfig{
		RelevanceWeight:   cfg.Scoring.RelevanceWeight,
		RecencyWeight:     cfg.Scoring.RecencyWeight,
		ImportanceWeight:  cfg.Scoring.ImportanceWeight,
		RecencyWindowDays: cfg.Scoring.RecencyWindowDays,
	}
	sc.CacheSize = cfg.Scoring.CacheSize
	sc.CompactWindowSize = cfg.Compact.WindowSize
	sc.CompactKeepRecent = cfg.Compact.KeepRecent
	sc.SimilarityBackend = cfg.Pipeline.Similarity
	sc.SimilarityThreshold = cfg.Pipeline.SimilarityThreshold
	sc.SupersedeMargin = cfg.Pipeline.SupersedeMargin
	sc.PipelineBatchLimit = cfg.Pipeline.BatchLimit
	sc.WorkerPoll = time.Duration(cfg.Pipeline.WorkerPollMS) * time.Millisecond
	sc.WorkerLease = time.Duration(cfg.Pipeline.WorkerLeaseSeconds) * time.Second
	sc.Builder = memory.BuilderConfig{
		MaxContextTokens:    cfg.Context.MaxContextTokens,
		TopK:                cfg.Context.TopK,
		TopM:                cfg.Context.TopM,
		HighImportanceFloor: 0.8,
		RetrievalTimeout:    time.Duration(cfg.Context.RetrievalTimeoutMS) * time.Millisecond,
	}
	return sc
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the service with its background workers and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := memory.NewService(serviceConfig(cfg), memory.ServiceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close()

			addr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
			server := &http.Server{
				Addr:              addr,
				Handler:           api.NewHandler(svc.Store()).Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()
			logger.InfoCF("cli", "admin API listening", map[string]interface{}{"addr": addr})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-sig:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

// openStore opens the store directly for offline inspection commands.
func openStore() (*memory.SQLiteStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions and their event logs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			sess, err := store.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "events <session-id>",
		Short: "Show a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			events, err := store.ListEventsAfter(cmd.Context(), args[0], 0, 500)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%4d  %-16s  %s\n", ev.Seq, ev.Type, ev.Content)
			}
			return nil
		},
	})
	return cmd
}

func newMemoriesCmd() *cobra.Command {
	var namespace string
	var limit int
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "List long-term memories in a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace == "" {
				return fmt.Errorf("--namespace is required")
			}
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			items, err := store.ListMemories(cmd.Context(), namespace, "", nil, limit)
			if err != nil {
				return err
			}
			for _, m := range items {
				fmt.Printf("%-40s  %-12s  imp=%.2f  conf=%.2f  %s\n", m.ID, m.Category, m.Importance, m.Confidence, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "memory namespace")
	cmd.Flags().IntVar(&limit, "limit", 50, "max memories to list")
	return cmd
}

func newHandoffsCmd() *cobra.Command {
	var workflow string
	cmd := &cobra.Command{
		Use:   "handoffs",
		Short: "List handoff packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			packets, err := store.ListHandoffs(cmd.Context(), workflow, 50)
			if err != nil {
				return err
			}
			return printJSON(packets)
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "filter by workflow")
	return cmd
}

func newWatermarksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermarks",
		Short: "List pipeline watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			marks, err := store.ListWatermarks(cmd.Context(), 100)
			if err != nil {
				return err
			}
			for _, w := range marks {
				fmt.Printf("%-40s  last_seq=%d  %s\n", w.SessionID, w.LastSeq, w.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Pipeline maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <session-id> <namespace>",
		Short: "Run the memory generation pipeline for one session now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := memory.NewService(serviceConfig(cfg), memory.ServiceOptions{})
			if err != nil {
				return err
			}
			defer svc.Close()
			stats, err := svc.RunPipelineNow(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("contextd", version)
		},
	}
}
