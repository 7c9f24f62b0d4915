package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"helmsman/internal/config"
	"helmsman/internal/engineapi"
	"helmsman/internal/ports"
	"helmsman/internal/supervisor"
	"helmsman/internal/transport"
	"helmsman/pkg/logging"
)

// runNoWatch disables the settings watcher so configuration file changes
// are not picked up while running.
var runNoWatch bool

// runQuiet suppresses the startup spinner for scripting.
var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and supervise the proxy engine until interrupted",
	Long: `Starts the proxy engine and supervises it in the foreground.

The engine runs either as a direct child process or, when the privileged
background service is installed, through that service. The engine's listen
ports are freed before the start, the engine is probed until its control
API answers, and its loaded configuration is validated. When the
configuration turns out broken, the start falls back first to a run
without override snippets and then to the engine's built-in defaults.

While running, changes to the selected configuration file trigger a
debounced engine reload; SIGHUP does the same. SIGINT or SIGTERM stop the
engine and exit.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sup, watcher, err := buildSupervisor(cfg)
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := startWithSpinner(ctx, sup)
	if !res.OK() {
		return fmt.Errorf("engine did not start: %w", res.Err)
	}
	reportOutcome(res)

	// An abandoned configuration file stays abandoned across launches.
	if res.Outcome == supervisor.OutcomeUsedDefaultConfig && loadedConfigPath != "" {
		if err := config.Save(cfg, loadedConfigPath); err != nil {
			logging.Warn("Run", "Failed to persist the abandoned configuration: %v", err)
		}
	}

	if !runNoWatch && cfg.Engine.ConfigPath != "" {
		if err := watcher.Start(); err != nil {
			logging.Warn("Run", "Configuration watching unavailable: %v", err)
		} else {
			sup.SetMonitors(watcher)
			defer watcher.Stop()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logging.Info("Run", "SIGHUP received, scheduling reload")
			sup.ScheduleReload("SIGHUP")
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if !sup.Stop(stopCtx) {
				return fmt.Errorf("engine did not stop cleanly")
			}
			return nil
		}
	}
}

// buildSupervisor wires the full supervision stack from the configuration.
func buildSupervisor(cfg *config.Config) (*supervisor.Supervisor, *supervisor.SettingsWatcher, error) {
	api := engineapi.NewClient(cfg.Engine.API.Host, cfg.Engine.API.Port, cfg.Engine.API.Secret)

	// The reconciler escalates refused kills to the service, and the
	// service falls back to the sidecar for stops; bind the stopper late
	// to close the loop.
	stopper := &serviceStopper{}
	reconciler := ports.NewReconciler(ports.SystemInspector{}, ports.SystemKiller{}, stopper)
	sidecar := transport.NewSidecar(reconciler)
	service := transport.NewService(cfg.Service.SocketPath, cfg.Service.UnitName, sidecar)
	stopper.service = service

	generatedDir := filepath.Join(cfg.Engine.DataDir, "generated")
	overridesDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		overridesDir = filepath.Join(dir, "helmsman", "overrides.d")
	}
	generator := config.NewGenerator(cfg, generatedDir, overridesDir)

	sup := supervisor.New(supervisor.Options{
		Config:     cfg,
		Sidecar:    sidecar,
		Service:    service,
		API:        api,
		Detector:   service,
		Reconciler: reconciler,
		Generator:  generator,
		OnStateChange: func(old, new supervisor.State) {
			logging.Info("Run", "Engine %s", new)
		},
	})

	watcher := supervisor.NewSettingsWatcher(cfg.Engine.ConfigPath, sup)
	return sup, watcher, nil
}

// serviceStopper lets the port reconciler escalate a refused kill to the
// privileged service.
type serviceStopper struct {
	service *transport.Service
}

func (s *serviceStopper) StopEngine(ctx context.Context) error {
	return s.service.Stop(ctx, transport.StopSpec{})
}

func startWithSpinner(ctx context.Context, sup *supervisor.Supervisor) supervisor.StartResult {
	if runQuiet {
		return sup.Start(ctx)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Starting proxy engine..."
	s.Start()
	defer s.Stop()

	res := sup.Start(ctx)
	if !res.OK() {
		s.FinalMSG = text.FgRed.Sprint("Engine failed to start") + "\n"
	}
	return res
}

func reportOutcome(res supervisor.StartResult) {
	switch res.Outcome {
	case supervisor.OutcomeStarted:
		fmt.Printf("%s engine %s running\n", text.FgGreen.Sprint("✓"), res.Version)
	case supervisor.OutcomeOverridesDisabled:
		fmt.Printf("%s engine %s running, but your overrides were skipped because they broke the start\n",
			text.FgYellow.Sprint("!"), res.Version)
	case supervisor.OutcomeUsedDefaultConfig:
		fmt.Printf("%s engine %s running on its default configuration; your configuration file was abandoned\n",
			text.FgYellow.Sprint("!"), res.Version)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Do not watch the configuration file for changes")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress the startup spinner")
}
