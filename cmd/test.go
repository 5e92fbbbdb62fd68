package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coal/recaptchaedge/internal/policy"
)

var testPolicyFile string

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the expectations bundled with a policy file",
	Long:  "Evaluate every entry under tests: in a policy file against its policies and report which expectations hold.",
	RunE:  runTest,
}

func init() {
	testCmd.Flags().StringVar(&testPolicyFile, "policy-file", "configs/policies.yaml", "Path to policy YAML file")
}

func runTest(cmd *cobra.Command, args []string) error {
	f, err := policy.LoadFromFile(testPolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	results, err := f.RunTests()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "\n=== Firewall Policy Tests ===\n")
	fmt.Fprintf(cmd.ErrOrStderr(), "File: %s (%d policies)\n\n", testPolicyFile, len(f.Policies))

	passed := 0
	failed := 0

	for _, r := range results {
		status := "PASS"
		if r.Passed {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := r.Name
		if name == "" {
			name = r.Path
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "  [%s] %-30s expected=%-20s got=%s\n", status, name, r.Expect, r.Got)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "\n  Results: %d passed, %d failed, %d total\n\n",
		passed, failed, len(results))

	if failed > 0 {
		return fmt.Errorf("%d test(s) failed", failed)
	}
	return nil
}
