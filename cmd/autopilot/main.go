// Command autopilot is the core process: it reads a PRD, derives the
// phase list, and drives every phase through discuss/plan/execute/verify
// via an external coding agent, exposing progress and escalations over
// a local HTTP+SSE dashboard. Flag parsing and startup sequencing mirror
// the teacher's cmd/maestro/main.go (flag.FlagSet, fail-fast preflight
// checks, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"autopilot/internal/agentrunner"
	"autopilot/internal/config"
	"autopilot/internal/logbuf"
	"autopilot/internal/milestones"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/orchestrator"
	"autopilot/internal/prd"
	"autopilot/internal/question"
	"autopilot/internal/server"
	"autopilot/internal/statestore"
)

const planningDirName = ".autopilot"

func main() {
	var (
		prdPath     string
		resume      bool
		phasesSpec  string
		skipDiscuss bool
		skipVerify  bool
		port        int
		depth       string
		modelFlag   string
		notifyList  string
		webhookURL  string
		adapterPath string
		verbose     bool
		quiet       bool
	)

	flag.StringVar(&prdPath, "prd", "", "Path to the input PRD (required for a fresh run)")
	flag.BoolVar(&resume, "resume", false, "Continue from persisted state")
	flag.StringVar(&phasesSpec, "phases", "", "Restrict the run to these phase numbers (e.g. 1-3,5,7-9)")
	flag.BoolVar(&skipDiscuss, "skip-discuss", false, "Mark every phase's discuss step skipped")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Mark every phase's verify step skipped")
	flag.IntVar(&port, "port", 3847, "Dashboard port")
	flag.StringVar(&depth, "depth", "standard", "Agent profile depth: quick|standard|comprehensive")
	flag.StringVar(&modelFlag, "model", "balanced", "Agent profile model: quality|balanced|budget")
	flag.StringVar(&notifyList, "notify", "", "Comma-separated notification channels")
	flag.StringVar(&webhookURL, "webhook-url", "", "Webhook URL for the webhook notification channel")
	flag.StringVar(&adapterPath, "adapter-path", "", "Path to an external notification adapter executable")
	flag.BoolVar(&verbose, "verbose", false, "Lower the logger's minimum level to debug")
	flag.BoolVar(&quiet, "quiet", false, "Quiet mode; stored in config only, it does not change which levels the log buffer records")
	flag.Parse()

	projectDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("determine project directory: %v", err)
	}
	planningDir := filepath.Join(projectDir, planningDirName)
	if err := os.MkdirAll(planningDir, 0o755); err != nil {
		log.Fatalf("create planning directory: %v", err)
	}

	if errs := preflight(prdPath, resume); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "preflight:", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(planningDir)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyFlagOverrides(&cfg, prdPath, resume, phasesSpec, skipDiscuss, skipVerify, port, depth, modelFlag, notifyList, webhookURL, adapterPath, verbose, quiet)

	if cfg.Verbose {
		os.Setenv("DEBUG", "1")
	}
	buf := logbuf.NewFromEnv(1000)
	rootLog := logbuf.NewLogger(buf, "autopilot")
	// cfg.Quiet affects only the (out-of-scope) terminal renderer; the
	// ring buffer and dashboard always carry every level.

	store := statestore.New(planningDir)
	if err := store.Load(); err != nil {
		rootLog.Error("load state: %v", err)
		os.Exit(1)
	}

	questions := question.New()

	runner := agentrunner.New(rootLog.WithComponent("agentrunner"), questions, newAgentCommand(cfg))

	orch := orchestrator.New(store, rootLog.WithComponent("orchestrator"), runner, questions, orchestrator.Config{
		PhaseFilter: parsePhaseFilter(cfg.Phases),
		SkipDiscuss: cfg.SkipDiscuss,
		SkipVerify:  cfg.SkipVerify,
	})

	milestoneReader := milestones.New(projectDir)
	defer milestoneReader.Close()

	dispatcher := buildNotifyDispatcher(cfg, rootLog.WithComponent("notify"))

	srv := server.New(store, questions, buf, orch, questions, milestoneReader, filepath.Join(projectDir, "dashboard", "dist"))

	orch.Subscribe(func(e orchestrator.Event) {
		if e.Type == orchestrator.EventBuildComplete {
			dispatcher.Dispatch(context.Background(), notify.Notification{
				Title:   "autopilot run complete",
				Message: fmt.Sprintf("%s finished", filepath.Base(projectDir)),
				Level:   logbuf.LevelInfo,
			})
		}
		if e.Type == orchestrator.EventErrorEscalation {
			dispatcher.Dispatch(context.Background(), notify.Notification{
				Title:   "autopilot needs input",
				Message: "a phase escalated to a human decision",
				Level:   logbuf.LevelWarn,
			})
		}
	})

	if err := srv.Listen(cfg.Port); err != nil {
		rootLog.Error("start dashboard server: %v", err)
		os.Exit(1)
	}
	rootLog.Info("dashboard listening on port %d", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() {
		candidates, err := loadCandidates(cfg)
		if err != nil {
			runErrCh <- err
			return
		}
		runErrCh <- orch.Run(ctx, candidates)
	}()

	select {
	case <-ctx.Done():
		rootLog.Info("shutdown signal received")
		orch.Shutdown("signal")
	case err := <-runErrCh:
		if err != nil {
			rootLog.Error("run ended with error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		rootLog.Warn("dashboard server shutdown: %v", err)
	}
}

// preflight runs the fail-fast, all-at-once checks spec's error-handling
// taxonomy requires before any component is constructed.
func preflight(prdPath string, resume bool) []string {
	var errs []string
	if prdPath == "" && !resume {
		errs = append(errs, "a PRD path (--prd) is required for a fresh run")
	}
	if prdPath != "" {
		if _, err := os.Stat(prdPath); err != nil {
			errs = append(errs, fmt.Sprintf("unreadable PRD: %v", err))
		}
	}
	if _, err := exec.LookPath("claude"); err != nil {
		errs = append(errs, "agent binary \"claude\" not found on PATH")
	}
	return errs
}

func applyFlagOverrides(cfg *config.Config, prdPath string, resume bool, phasesSpec string, skipDiscuss, skipVerify bool, port int, depth, modelFlag, notifyList, webhookURL, adapterPath string, verbose, quiet bool) {
	if prdPath != "" {
		cfg.PRDPath = prdPath
	}
	if resume {
		cfg.Resume = true
	}
	if phasesSpec != "" {
		cfg.Phases = prd.ParsePhaseSpec(phasesSpec)
	}
	if skipDiscuss {
		cfg.SkipDiscuss = true
	}
	if skipVerify {
		cfg.SkipVerify = true
	}
	if port != 0 {
		cfg.Port = port
	}
	if depth != "" {
		cfg.Depth = depth
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if notifyList != "" {
		cfg.Notify = notifyList
	}
	if webhookURL != "" {
		cfg.WebhookURL = webhookURL
	}
	if adapterPath != "" {
		cfg.AdapterPath = adapterPath
	}
	if verbose {
		cfg.Verbose = true
	}
	if quiet {
		cfg.Quiet = true
	}
}

// parsePhaseFilter turns a sorted/deduplicated phase-number list into
// the set orchestrator.Config.PhaseFilter expects.
func parsePhaseFilter(phases []float64) map[float64]bool {
	if len(phases) == 0 {
		return nil
	}
	set := make(map[float64]bool, len(phases))
	for _, p := range phases {
		set[p] = true
	}
	return set
}

// loadCandidates builds the phase list the orchestrator seeds a fresh
// run with. On resume it returns nil: orchestrator.Run ignores
// candidates whenever persisted phases already exist.
func loadCandidates(cfg config.Config) ([]model.Phase, error) {
	if cfg.Resume || cfg.PRDPath == "" {
		return nil, nil
	}
	return prd.ParsePhases(cfg.PRDPath)
}

// newAgentCommand builds the CommandFactory that invokes the external
// coding agent as a subprocess streaming newline-delimited JSON,
// forwarding the depth/model profile flags uninterpreted via
// environment variables per spec's "not interpreted by the core".
func newAgentCommand(cfg config.Config) agentrunner.CommandFactory {
	return func(ctx context.Context, prompt string, opts agentrunner.Opts) *exec.Cmd {
		cmd := exec.CommandContext(ctx, "claude", "--print", prompt, "--output-format", "stream-json")
		if opts.WorkDir != "" {
			cmd.Dir = opts.WorkDir
		}
		cmd.Env = append(os.Environ(),
			"AUTOPILOT_PROFILE_DEPTH="+cfg.Depth,
			"AUTOPILOT_PROFILE_MODEL="+cfg.Model,
		)
		return cmd
	}
}

// buildNotifyDispatcher adds a webhook adapter when cfg.WebhookURL is
// set and an external adapter when cfg.AdapterPath is set; the channel
// list in cfg.Notify is not consulted. An always-present console adapter
// is appended by notify.New regardless of what's configured here.
func buildNotifyDispatcher(cfg config.Config, componentLog *logbuf.Logger) *notify.Dispatcher {
	var adapters []notify.Adapter
	if cfg.WebhookURL != "" {
		adapters = append(adapters, notify.NewWebhookAdapter(cfg.WebhookURL))
	}
	if cfg.AdapterPath != "" {
		adapters = append(adapters, notify.NewExternalAdapter(cfg.AdapterPath))
	}
	return notify.New(componentLog, adapters...)
}
