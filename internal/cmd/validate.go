package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sluice/internal/errors"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	Long: `Validate loads the configuration, checks the global settings, and
reports every task as valid or excluded with per-field reasons.

Exits non-zero if the global settings are invalid or any task would be
excluded.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results := cfg.ValidateTasks()
	if len(results) == 0 {
		fmt.Fprintln(out, "No tasks configured.")
		return nil
	}

	invalid := 0
	for _, res := range results {
		name := res.ID
		if name == "" {
			name = fmt.Sprintf("tasks[%d]", res.Index)
		}
		if res.Valid() {
			state := "enabled"
			if !res.Definition.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "ok      %s (%s, %d steps, limit %d)\n",
				name, state, len(res.Definition.Pipeline), res.Definition.ConcurrencyLimit)
			continue
		}
		invalid++
		fmt.Fprintf(out, "invalid %s\n", name)
		for _, verr := range res.Errors {
			fmt.Fprintf(out, "          %s\n", verr.Error())
		}
	}

	if invalid > 0 {
		return errors.NewConfigurationError(fmt.Sprintf("%d of %d tasks invalid", invalid, len(results)), errors.ErrInvalidInput)
	}
	return nil
}
