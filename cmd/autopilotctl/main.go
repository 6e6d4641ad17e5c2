// Command autopilotctl is the launcher: it spawns the core autopilot
// process detached in the background, checks on it, and stops it.
// Subcommand routing follows the teacher's rootCmd/AddCommand pattern
// (cmd/nerd's cobra wiring, the pack's clearest example of the idiom;
// the teacher's own cmd/agentctl routes on raw os.Args instead).
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"autopilot/internal/config"
	"autopilot/internal/model"
	"autopilot/internal/portmgr"
	"autopilot/internal/procmgr"
	"autopilot/internal/statestore"
)

const planningDirName = ".autopilot"

var (
	flagPRD         string
	flagResume      bool
	flagPhases      string
	flagSkipDiscuss bool
	flagSkipVerify  bool
	flagPort        int
	flagBranch      string
)

func main() {
	root := &cobra.Command{
		Use:   "autopilotctl",
		Short: "Launch and manage a background autopilot run",
	}

	launchCmd := &cobra.Command{
		Use:   "launch",
		Short: "Start the autopilot core process in the background",
		RunE:  runLaunch,
	}
	launchCmd.Flags().StringVar(&flagPRD, "prd", "", "Path to the PRD/spec to drive this run")
	launchCmd.Flags().BoolVar(&flagResume, "resume", false, "Resume a previously persisted run")
	launchCmd.Flags().StringVar(&flagPhases, "phases", "", "Comma-separated phase numbers to restrict this run to")
	launchCmd.Flags().BoolVar(&flagSkipDiscuss, "skip-discuss", false, "Skip the discuss step of every phase")
	launchCmd.Flags().BoolVar(&flagSkipVerify, "skip-verify", false, "Skip the verify step of every phase")
	launchCmd.Flags().IntVar(&flagPort, "port", 0, "Dashboard port override (default: derived from branch)")
	launchCmd.Flags().StringVar(&flagBranch, "branch", "", "Branch name used for port assignment (default: current directory name)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current run's phase, progress, and dashboard URL",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&flagBranch, "branch", "", "Branch name (default: current directory name)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running background autopilot process",
		RunE:  runStop,
	}
	stopCmd.Flags().StringVar(&flagBranch, "branch", "", "Branch name (default: current directory name)")

	root.AddCommand(launchCmd, statusCmd, stopCmd)
	root.RunE = runLaunch // bare invocation behaves like `launch`, per the default-launches-a-run contract

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func branchOrDefault() (string, error) {
	if flagBranch != "" {
		return flagBranch, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Base(wd), nil
}

func planningDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, planningDirName), nil
}

func runLaunch(_ *cobra.Command, _ []string) error {
	branch, err := branchOrDefault()
	if err != nil {
		return err
	}
	projectDir, err := os.Getwd()
	if err != nil {
		return err
	}
	dir, err := planningDir()
	if err != nil {
		return err
	}

	if pid, err := procmgr.ReadPid(dir, branch); err == nil && procmgr.IsProcessRunning(pid) {
		store := statestore.New(dir)
		_ = store.Load()
		port := store.GetState().Branches[portmgr.SanitizeBranch(branch)].Port
		fmt.Printf("autopilot is already running for %q (pid %d): %s\n", branch, pid, procmgr.DashboardURL(port))
		return nil
	}

	prd := flagPRD
	if prd == "" && !flagResume {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			prd, err = promptForPRDPath()
			if err != nil {
				return err
			}
		}
	}

	store := statestore.New(dir)
	_ = store.Load()

	port := flagPort
	if port == 0 {
		port, err = portmgr.AssignPort(store, branch)
		if err != nil {
			return fmt.Errorf("assign dashboard port: %w", err)
		}
	}

	if _, err := config.Load(dir); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	args := buildCoreArgs(prd, port)
	cmd := newDetachedCommand(args, projectDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn autopilot core: %w", err)
	}

	if err := procmgr.WritePid(dir, branch, cmd.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	url := procmgr.DashboardURL(port)
	fmt.Printf("autopilot started for %q (pid %d): %s\n", branch, cmd.Process.Pid, url)

	if procmgr.WaitForHealthy(url) {
		fmt.Println("dashboard is up")
	} else {
		fmt.Println("warning: dashboard did not respond to health checks within the expected window")
	}
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	branch, err := branchOrDefault()
	if err != nil {
		return err
	}
	dir, err := planningDir()
	if err != nil {
		return err
	}

	store := statestore.New(dir)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	state := store.GetState()

	pid, pidErr := procmgr.ReadPid(dir, branch)
	alive := pidErr == nil && procmgr.IsProcessRunning(pid)

	port := state.Branches[portmgr.SanitizeBranch(branch)].Port

	fmt.Printf("status:        %s\n", colorize(statusColor(string(state.Status)), string(state.Status)))
	fmt.Printf("current phase: %v\n", state.CurrentPhase)
	fmt.Printf("current step:  %s\n", state.CurrentStep)
	fmt.Printf("progress:      %d%%\n", derivedProgress(state))
	if port != 0 {
		fmt.Printf("dashboard:     %s\n", procmgr.DashboardURL(port))
	}
	fmt.Printf("process:       %s\n", aliveLabel(alive, pid))
	return nil
}

func runStop(_ *cobra.Command, _ []string) error {
	branch, err := branchOrDefault()
	if err != nil {
		return err
	}
	dir, err := planningDir()
	if err != nil {
		return err
	}

	pid, err := procmgr.ReadPid(dir, branch)
	if err != nil {
		fmt.Printf("no running process recorded for %q\n", branch)
		return nil
	}

	if err := procmgr.StopProcess(pid, procmgr.DefaultStopTimeout); err != nil {
		return fmt.Errorf("stop process %d: %w", pid, err)
	}
	if err := procmgr.CleanupPid(dir, branch); err != nil {
		return fmt.Errorf("cleanup pid file: %w", err)
	}

	fmt.Printf("stopped autopilot for %q (pid %d)\n", branch, pid)
	return nil
}

func derivedProgress(state model.AutopilotState) int {
	if len(state.Phases) == 0 {
		return 0
	}
	done, total := 0, len(state.Phases)*4
	for _, p := range state.Phases {
		for _, s := range []model.Step{p.Steps.Discuss, p.Steps.Plan, p.Steps.Execute, p.Steps.Verify} {
			if s.Status == model.StatusDone || s.Status == model.StatusSkipped {
				done++
			}
		}
	}
	return int((float64(done)/float64(total))*100 + 0.5)
}

func aliveLabel(alive bool, pid int) string {
	if alive {
		return colorize(ansiGreen, fmt.Sprintf("running (pid %d)", pid))
	}
	return colorize(ansiRed, "not running")
}

func buildCoreArgs(prd string, port int) []string {
	args := []string{"--port", fmt.Sprintf("%d", port)}
	if prd != "" {
		args = append(args, "--prd", prd)
	}
	if flagResume {
		args = append(args, "--resume")
	}
	if flagPhases != "" {
		args = append(args, "--phases", flagPhases)
	}
	if flagSkipDiscuss {
		args = append(args, "--skip-discuss")
	}
	if flagSkipVerify {
		args = append(args, "--skip-verify")
	}
	return args
}

// promptForPRDPath is a dependency-free stdin prompt, used only when no
// planning directory exists yet and the caller supplied no --prd.
func promptForPRDPath() (string, error) {
	fmt.Print("No existing run found. Path to the PRD/spec to drive this run: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read PRD path: %w", err)
	}
	path := strings.TrimSpace(line)
	if path == "" {
		return "", fmt.Errorf("a PRD path is required to start a new run")
	}
	return path, nil
}
