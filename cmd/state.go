package cmd

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/observability"
	"github.com/xkilldash9x/opero/internal/observer"
)

func newStateCmd() *cobra.Command {
	var steps bool
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Prints the stored run state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := st.Get(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if steps {
				return printSteps(cmd, state)
			}
			raw, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode run state: %w", err)
			}
			_, err = fmt.Fprintln(out, string(raw))
			return err
		},
	}
	stateCmd.Flags().BoolVar(&steps, "steps", false, "Print the step history instead of the raw record")
	return stateCmd
}

func printSteps(cmd *cobra.Command, state schemas.RunState) error {
	out := cmd.OutOrStdout()
	if prompt := state.DisplayPrompt(); prompt != "" {
		fmt.Fprintf(out, "Task: %s\n", prompt)
	}
	for _, step := range state.Steps() {
		fmt.Fprintln(out, observer.FormatStep(step))
	}
	if state.IsRunning {
		_, err := fmt.Fprintln(out, "Run active.")
		return err
	}
	return nil
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clears the stored run state",
		Long: `Replaces the stored run state with the default, idle state. A run that is
being driven by another opero process is not interrupted by this.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Set(ctx, schemas.DefaultRunState()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Run state reset.")
			return err
		},
	}
}
