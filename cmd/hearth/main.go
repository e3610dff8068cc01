package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hearthd/hearth/internal/adminapi"
	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/capability"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/curator"
	"github.com/hearthd/hearth/internal/maintenance"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/provider"
	"github.com/hearthd/hearth/internal/recovery"
	"github.com/hearthd/hearth/internal/semantic"
	"github.com/hearthd/hearth/internal/store"
	"github.com/hearthd/hearth/internal/window"
)

var rootCmd = &cobra.Command{
	Use:   "hearth",
	Short: "hearth - conversational memory engine for the home",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (conversation + admin endpoints)",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Talk to the assistant from the terminal",
	RunE:  runAsk,
}

var oneshotCmd = &cobra.Command{
	Use:   "oneshot",
	Short: "Run a single instruction with no session or history",
	RunE:  runOneshot,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear stored history and memory",
	RunE:  runClear,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hearth status",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, guideline, and device specs",
	RunE:  runOnboard,
}

var (
	messageFlag  string
	userFlag     string
	imageFlags   []string
	clearAllFlag bool
)

func init() {
	askCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	askCmd.Flags().StringVarP(&userFlag, "user", "u", "local", "User identity for the session")
	oneshotCmd.Flags().StringSliceVar(&imageFlags, "image", nil, "Image reference to include")
	clearCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Clear one user's session and memory")
	clearCmd.Flags().BoolVar(&clearAllFlag, "all", false, "Clear every user")
	rootCmd.AddCommand(serveCmd, askCmd, oneshotCmd, clearCmd, statusCmd, onboardCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles everything a command needs to answer turns.
type runtime struct {
	cfg         *config.Config
	store       *store.Store
	index       *semantic.Index
	guideline   *curator.GuidelineSource
	curator     *curator.Curator
	agent       *agent.Agent
	maintenance *maintenance.Service
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'hearth onboard' or set HEARTH_API_KEY / OPENAI_API_KEY")
	}

	st, err := store.Open(cfg.Memory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	index, err := semantic.NewIndex(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open semantic index: %w", err)
	}

	guidelineCfg, err := config.LoadGuideline(cfg.Memory.GuidelinePath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load guideline: %w", err)
	}
	guideline := curator.NewGuidelineSource(guidelineCfg)

	generator, err := provider.NewGenerator(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	embedder := provider.NewEmbedder(cfg)
	extractor := provider.NewExtractor(cfg)

	specs, err := capability.LoadDeviceSpecs(cfg.Devices.SpecDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load device specs: %w", err)
	}
	controller := capability.NewBridgeController(specs, capability.NewBridge(cfg.Devices.BridgeURL))

	metrics := observability.NewMetrics("hearth")
	cur := curator.New(extractor, embedder, index, guideline, cfg.Memory.DedupThreshold, cfg.Memory.QueueDepth, metrics)
	supervisor := recovery.NewSupervisor(st, cfg.Recovery.MaxRetries, cfg.Recovery.FatalFaultLimit, metrics)

	ag, err := agent.New(agent.Options{
		Store:      st,
		Window:     window.NewManager(st, cfg.Window.Size, cfg.Window.CapMultiple, nil),
		Generator:  generator,
		Controller: controller,
		Curator:    cur,
		Index:      index,
		Embedder:   embedder,
		Supervisor: supervisor,
		Metrics:    metrics,
		Config:     cfg,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		store:       st,
		index:       index,
		guideline:   guideline,
		curator:     cur,
		agent:       ag,
		maintenance: maintenance.NewService(index, st, cfg.Maintenance.RebuildSchedule, time.Duration(cfg.Maintenance.SessionRetentionDays)*24*time.Hour),
	}, nil
}

func (r *runtime) Close() {
	r.curator.Close()
	if err := r.store.Close(); err != nil {
		log.Printf("[hearth] close store: %v", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.maintenance.Start(); err != nil {
		return err
	}
	defer rt.maintenance.Stop()

	api := adminapi.New(rt.store, rt.index, rt.guideline, rt.agent)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler: api.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[hearth] listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[hearth] shutdown: %v", err)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()

	if messageFlag != "" {
		reply, err := rt.agent.HandleTurn(ctx, userFlag, messageFlag, nil)
		if err != nil {
			return fmt.Errorf("turn failed: %w", err)
		}
		fmt.Println(reply)
		return nil
	}

	fmt.Println("hearth (type 'exit' to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := rt.agent.HandleTurn(ctx, userFlag, input, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
	return nil
}

func runOneshot(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: hearth oneshot \"instruction\" [--image URL]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	reply, err := rt.agent.Oneshot(context.Background(), strings.Join(args, " "), imageFlags)
	if err != nil {
		return fmt.Errorf("oneshot failed: %w", err)
	}
	fmt.Println(reply)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if userFlag == "" && !clearAllFlag {
		return fmt.Errorf("specify --user <id> or --all")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	index, err := semantic.NewIndex(st.DB())
	if err != nil {
		return fmt.Errorf("open semantic index: %w", err)
	}

	ctx := context.Background()
	if clearAllFlag {
		if err := st.ClearAll(ctx); err != nil {
			return err
		}
		if err := index.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Println("Cleared all sessions and memory")
		return nil
	}

	if err := st.Clear(ctx, store.SessionIDFor(userFlag)); err != nil {
		return err
	}
	if err := index.ClearUser(ctx, userFlag); err != nil {
		return err
	}
	fmt.Printf("Cleared session and memory for %s\n", userFlag)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Window: %d turns (cap x%d)\n", cfg.Window.Size, cfg.Window.CapMultiple)
	fmt.Printf("Memory: enabled=%v db=%s\n", cfg.Memory.Enabled, cfg.Memory.DBPath)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		fmt.Printf("API Key: %s...%s\n", cfg.Provider.APIKey[:4], cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:])
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	st, err := store.Open(cfg.Memory.DBPath)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	sessions, err := st.ListSessions()
	if err != nil {
		fmt.Printf("Sessions: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Sessions: %d\n", len(sessions))
	for _, sess := range sessions {
		fmt.Printf("  %s  user=%s  turns=%d  last=%s\n", sess.ID, sess.UserID, sess.TurnCount, sess.LastActiveAt.Format(time.RFC3339))
	}

	index, err := semantic.NewIndex(st.DB())
	if err != nil {
		fmt.Printf("Memory index: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Memory records: %d\n", index.Count())
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	devicesDir := filepath.Join(cfgDir, "devices")
	if err := os.MkdirAll(devicesDir, 0755); err != nil {
		return fmt.Errorf("create devices dir: %w", err)
	}
	writeIfNotExists(filepath.Join(devicesDir, "light_control.yaml"), defaultLightSpec)
	writeIfNotExists(filepath.Join(cfgDir, "guidelines.yaml"), defaultGuidelineYAML())

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set HEARTH_API_KEY environment variable")
	fmt.Println("  3. Run 'hearth ask -m \"Hello\"' to test")
	return nil
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

func defaultGuidelineYAML() string {
	g := config.DefaultGuideline()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("version: %d\n", g.Version))
	sb.WriteString("text: |\n")
	for _, line := range strings.Split(strings.TrimSpace(g.Text), "\n") {
		sb.WriteString("  " + line + "\n")
	}
	return sb.String()
}

const defaultLightSpec = `name: light_control
description: Turn lights on or off in a room
parameters:
  type: object
  properties:
    room:
      type: string
      description: Room name, e.g. kitchen
    state:
      type: string
      enum: [on, "off"]
  required: [room, state]
`
