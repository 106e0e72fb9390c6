package cli

import (
	"fmt"

	"github.com/rileyhilliard/vpsinit/internal/config"
	"github.com/rileyhilliard/vpsinit/internal/plan"
	"github.com/rileyhilliard/vpsinit/internal/ui"
	"github.com/spf13/cobra"
)

// stepsOutput is the --json shape of the steps command.
type stepsOutput struct {
	Steps []stepInfo `json:"steps"`
}

type stepInfo struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	TolerateDisconnect bool   `json:"tolerateDisconnect"`
	Handoff            bool   `json:"handoff"`
}

func newStepsCmd(app *App, flags *GlobalFlags) *cobra.Command {
	var machineOut bool
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the provisioning steps in order",
		Long: `List the steps provision would run with the current settings. Optional
steps are left out when their setting is empty (for example VPSINIT_NPM_GLOBALS=none).
Nothing connects to the host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{
				EnvFile: flags.EnvFile,
				Flags:   cmd.Root().PersistentFlags(),
			})
			if err != nil {
				if machineOut {
					return finishWithoutRun(app, ProvisionOptions{MachineOut: true}, err)
				}
				return err
			}
			user := cfg.AdminUser
			if user == "" {
				user = "ADMIN_USER"
			}
			pc := cfg.Plan("")
			pc.User = user
			steps := plan.Steps(pc)

			if machineOut {
				out := stepsOutput{Steps: make([]stepInfo, 0, len(steps))}
				for _, s := range steps {
					out.Steps = append(out.Steps, stepInfo{
						Name:               s.Name,
						Description:        s.Description,
						TolerateDisconnect: s.TolerateDisconnect,
						Handoff:            s.Handoff,
					})
				}
				return WriteJSONSuccess(app.Stdout, out)
			}
			fmt.Fprint(app.Stdout, ui.RenderStepList(steps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&machineOut, "json", false, "print the steps as JSON")
	return cmd
}
