package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sluice/internal/translate"
)

var translateCmd = &cobra.Command{
	Use:   "translate <name> <pattern>",
	Short: "Show the filename a pattern produces",
	Long: `Translate applies a destination pattern to a source filename and
prints the result. The pattern's name and extension parts are resolved
separately. '*' copies the rest of the source part and '?' copies the
source character at the same position.

Examples:
  sluice translate report.pdf invoice      # invoice.pdf
  sluice translate photo.jpeg '*.??g'      # photo.jpg
  sluice translate README '*.md'           # README.md`,
	Args: cobra.ExactArgs(2),
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)
}

func runTranslate(cmd *cobra.Command, args []string) error {
	name, pattern := args[0], args[1]
	if err := translate.Validate(pattern); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), translate.Translate(name, pattern))
	return nil
}
