package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/coal/recaptchaedge/internal/debugtrace"
	"github.com/coal/recaptchaedge/internal/jsonutil"
	"github.com/coal/recaptchaedge/internal/policy"
)

var inspectPolicyFile string

var inspectCmd = &cobra.Command{
	Use:   "inspect [url or path]",
	Short: "Show the local policy decision for a request path",
	Long:  "Evaluate a request path against a policy file the way the edge does before any remote assessment, and show the matched policy and resulting actions.",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectPolicyFile, "policy-file", "configs/policies.yaml", "Path to policy YAML file")
}

func runInspect(cmd *cobra.Command, args []string) error {
	u, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("parsing %q: %w", args[0], err)
	}

	f, err := policy.LoadFromFile(inspectPolicyFile)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}

	logger := newLogger("warn")
	trace := debugtrace.New()
	ctx := logger.WithContext(debugtrace.WithTrace(context.Background(), trace))
	res := policy.LocalAssessment(ctx, f, u)

	fmt.Fprintf(cmd.ErrOrStderr(), "\n=== Local Policy Assessment ===\n\n")
	fmt.Fprintf(cmd.ErrOrStderr(), "Path: %s\n\n", u.Path)

	for _, p := range f.Policies {
		if p.Name == res.PolicyName && res.PolicyName != "" {
			out, _ := jsonutil.MarshalIndent(p, "  ")
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
			break
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "\n=== Decision ===\n\n")
	fmt.Fprintf(cmd.ErrOrStderr(), "  Result:   %s\n", policy.Outcome(res))
	if res.PolicyName != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "  Policy:   %s\n", res.PolicyName)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "  Policies: %d evaluated\n", trace.PolicyCount)
	fmt.Fprintln(cmd.ErrOrStderr())

	return nil
}
