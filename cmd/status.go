package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"helmsman/internal/engineapi"
	"helmsman/internal/ports"
	"helmsman/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect the engine, its service and its ports",
	Long: `Inspects the environment a run would see: whether the engine's
control API answers (and which version), whether the privileged background
service is installed, and which processes currently hold the engine's
listen ports.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Check", "Status"})

	api := engineapi.NewClient(cfg.Engine.API.Host, cfg.Engine.API.Port, cfg.Engine.API.Secret)
	if version, err := api.Version(ctx); err == nil {
		t.AppendRow(table.Row{"Engine control API", text.FgGreen.Sprintf("up (version %s)", version)})
	} else {
		t.AppendRow(table.Row{"Engine control API", text.FgRed.Sprint("not answering")})
	}

	service := transport.NewService(cfg.Service.SocketPath, cfg.Service.UnitName, nil)
	if service.Installed(ctx) {
		t.AppendRow(table.Row{"Privileged service", text.FgGreen.Sprintf("installed (%s)", cfg.Service.UnitName)})
	} else {
		t.AppendRow(table.Row{"Privileged service", "not installed"})
	}

	occupants, err := ports.SystemInspector{}.Occupants(cfg.ListenPorts())
	if err != nil {
		t.AppendRow(table.Row{"Ports", text.FgYellow.Sprintf("inspection failed: %v", err)})
	} else {
		held := make(map[int]ports.Occupant, len(occupants))
		for _, occ := range occupants {
			held[occ.Port] = occ
		}
		for _, port := range cfg.ListenPorts() {
			label := fmt.Sprintf("Port %d", port)
			if occ, ok := held[port]; ok {
				t.AppendRow(table.Row{label, fmt.Sprintf("held by %s (pid %d)", occ.Name, occ.PID)})
			} else {
				t.AppendRow(table.Row{label, text.FgGreen.Sprint("free")})
			}
		}
	}

	t.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
