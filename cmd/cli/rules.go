package cli

import (
	"fmt"

	"ledgerflow/internal/services"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect automation rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a YAML rules file without starting the engine",
	Args:  cobra.ExactArgs(1),
	RunE:  validateRules,
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

func validateRules(cmd *cobra.Command, args []string) error {
	drafts, err := services.LoadRulesFile(args[0])
	if err != nil {
		return err
	}

	store := services.NewRuleStore()
	out := cmd.OutOrStdout()
	invalid := 0
	for i, draft := range drafts {
		rule, err := store.Create(draft)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "✗ rule #%d %q: %v\n", i+1, draft.Name, err)
			continue
		}
		fmt.Fprintf(out, "✓ rule #%d %q (%s trigger, %d conditions, %d actions)\n",
			i+1, rule.Name, rule.Trigger.Type, len(rule.Conditions), len(rule.Actions))
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d rules invalid", invalid, len(drafts))
	}
	fmt.Fprintf(out, "%d rules valid\n", len(drafts))
	return nil
}
