package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/scheduler"
	"github.com/leedenison/portfoliodb/internal/security"
	"github.com/leedenison/portfoliodb/internal/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}

// =============================================================================
// Precedence
// =============================================================================

func newPrecedenceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "precedence",
		Aliases: []string{"prec"},
		Short:   "Show or change the resolver precedence order",
		Long: `The precedence order settles disagreements between resolvers. The lowest
rank wins. Changes apply to resolutions that start after they are published.`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			return printPrecedence(NewOutput(cmd), app.Admin.Precedence())
		}),
	}

	setCmd := &cobra.Command{
		Use:     "set <resolver>...",
		Short:   "Replace the order, highest precedence first",
		Example: `  portfoliodb precedence set reference openfigi kite`,
		Args:    cobra.MinimumNArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			snap, err := app.Admin.Reorder(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printPrecedence(NewOutput(cmd), snap)
		}),
	}

	enableCmd := &cobra.Command{
		Use:   "enable <resolver>",
		Short: "Enable a resolver",
		Args:  cobra.ExactArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			snap, err := app.Admin.Enable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printPrecedence(NewOutput(cmd), snap)
		}),
	}

	disableCmd := &cobra.Command{
		Use:   "disable <resolver>",
		Short: "Disable a resolver without removing it from the order",
		Args:  cobra.ExactArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			snap, err := app.Admin.Disable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printPrecedence(NewOutput(cmd), snap)
		}),
	}

	cmd.AddCommand(setCmd, enableCmd, disableCmd)
	return cmd
}

func printPrecedence(output *Output, snap *resolver.Snapshot) error {
	if output.IsJSON() {
		return output.JSON(snap)
	}
	t := NewTable(output, "Rank", "Resolver", "Enabled")
	for _, e := range snap.Entries {
		enabled := output.paint(color.FgGreen, "yes")
		if !e.Enabled {
			enabled = output.paint(color.Faint, "no")
		}
		t.AddRow(e.Rank, e.Name, enabled)
	}
	t.Render()
	output.Dim("version %d", snap.Version)
	return nil
}

// =============================================================================
// Resolvers
// =============================================================================

func newResolverCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolver",
		Short: "Configure resolvers and inspect their circuit breakers",
	}

	configureCmd := &cobra.Command{
		Use:   "configure <resolver> <key=value>...",
		Short: "Set resolver options",
		Long: `Validate and apply options for a resolver. The options last only for this
process; persist them under [resolvers.<name>] in credentials.toml.`,
		Example: `  portfoliodb resolver configure openfigi api_key=... base_url=https://api.openfigi.com`,
		Args:    cobra.MinimumNArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			opts := make(map[string]string, len(args)-1)
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("option %q must look like key=value", kv)
				}
				opts[k] = v
			}
			if err := app.Admin.Configure(args[0], opts); err != nil {
				return err
			}
			output := NewOutput(cmd)
			redacted := security.RedactOptions(opts)
			if output.IsJSON() {
				return output.JSON(map[string]any{"resolver": args[0], "options": redacted})
			}
			output.Success("Configured %s", args[0])
			keys := make([]string, 0, len(redacted))
			for k := range redacted {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				output.Dim("  %s = %s", k, redacted[k])
			}
			return nil
		}),
	}

	breakersCmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show per-resolver circuit breaker state",
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			stats := app.Admin.Breakers()
			if output.IsJSON() {
				return output.JSON(stats)
			}
			t := NewTable(output, "Resolver", "State", "Requests", "Failures", "Rejected", "Timeouts", "Last failure")
			for _, s := range stats {
				t.AddRow(s.Name, output.Circuit(s.State), s.TotalRequests, s.TotalFailures,
					s.TotalRejected, s.TotalTimeouts, FormatDateTime(s.LastFailureTime))
			}
			t.Render()
			return nil
		}),
	}

	resetCmd := &cobra.Command{
		Use:   "reset <resolver>",
		Short: "Close a resolver's circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			if err := app.Admin.ResetBreaker(args[0]); err != nil {
				return err
			}
			NewOutput(cmd).Success("Circuit breaker for %s reset", args[0])
			return nil
		}),
	}

	cmd.AddCommand(configureCmd, breakersCmd, resetCmd)
	return cmd
}

// =============================================================================
// Overrides
// =============================================================================

func newOverrideCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Assert the identity of a descriptor",
	}

	canonicalCmd := &cobra.Command{
		Use:   "canonical",
		Short: "Set the canonical mapping for every user",
		Long: `Map a descriptor to the instrument carrying the given identifiers. The
mapping is authoritative: refreshes keep it unless run with --override.`,
		Example: `  portfoliodb override canonical --broker ib --description "APPLE INC" --id ISIN:US0378331005 --type STK`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			d, ids, err := overrideArgs(cmd)
			if err != nil {
				return err
			}
			out, err := app.Admin.OverrideCanonical(cmd.Context(), d, ids, d.TypeHint)
			if err != nil {
				return err
			}
			return printOutcomes(NewOutput(cmd), []models.Outcome{*out})
		}),
	}

	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Set a mapping visible to one user only",
		Long: `Map a descriptor to an instrument for one user. The user's transactions
against the descriptor are repointed; other users are unaffected.`,
		Example: `  portfoliodb override user --user 7 --broker ib --description "APPLE INC" --id ISIN:US0378331005`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			d, ids, err := overrideArgs(cmd)
			if err != nil {
				return err
			}
			id, _ := cmd.Flags().GetInt64("user")
			user := models.UserID(id)

			out, err := app.Admin.OverrideUser(cmd.Context(), user, d, ids, d.TypeHint)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if err := printOutcomes(output, []models.Outcome{*out}); err != nil {
				return err
			}
			if !output.IsJSON() {
				txs, err := transactionsFor(cmd, app, user, d)
				if err != nil {
					return err
				}
				output.Dim("%d transactions now point at instrument %d", len(txs), out.Instrument)
			}
			return nil
		}),
	}
	userCmd.Flags().Int64("user", 0, "user the override applies to")
	_ = userCmd.MarkFlagRequired("user")

	for _, c := range []*cobra.Command{canonicalCmd, userCmd} {
		addDescriptorFlags(c)
		c.Flags().StringArray("id", nil, "identifier as NAMESPACE:VALUE (repeatable)")
		_ = c.MarkFlagRequired("id")
	}

	cmd.AddCommand(canonicalCmd, userCmd)
	return cmd
}

func overrideArgs(cmd *cobra.Command) (models.Descriptor, []models.Identifier, error) {
	d, err := descriptorFromFlags(cmd)
	if err != nil {
		return models.Descriptor{}, nil, err
	}
	raw, _ := cmd.Flags().GetStringArray("id")
	ids, err := ParseIdentifiers(raw)
	if err != nil {
		return models.Descriptor{}, nil, err
	}
	return d, ids, nil
}

// =============================================================================
// Retries, conflicts and sweeps
// =============================================================================

type retryView struct {
	User          models.UserID `json:"user"`
	Descriptor    string        `json:"descriptor"`
	RetryCount    int           `json:"retry_count"`
	LastAttempted string        `json:"last_attempted"`
	NextEligible  string        `json:"next_eligible,omitempty"`
	Exhausted     bool          `json:"exhausted"`
	LastError     string        `json:"last_error,omitempty"`
}

func newRetriesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "List descriptors waiting for another resolution attempt",
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.RetryFilter{Limit: limit}
			switch models.DescriptorKind(strings.ToLower(kind)) {
			case "":
			case models.KindDescription:
				filter.Kind = models.KindDescription
			case models.KindSymbol:
				filter.Kind = models.KindSymbol
			default:
				return fmt.Errorf("unknown descriptor kind %q", kind)
			}

			recs, err := app.Admin.Retries(cmd.Context(), filter)
			if err != nil {
				return err
			}

			views := make([]retryView, len(recs))
			for i, r := range recs {
				views[i] = retryView{
					User:          r.User,
					Descriptor:    r.Descriptor.String(),
					RetryCount:    r.RetryCount,
					LastAttempted: FormatDateTime(r.LastAttempted),
					Exhausted:     r.Exhausted,
					LastError:     r.LastError,
				}
				if !r.Exhausted {
					views[i].NextEligible = FormatDateTime(r.NextEligible)
				}
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(views)
			}
			if len(views) == 0 {
				output.Info("No descriptors awaiting retry")
				return nil
			}
			now := time.Now()
			t := NewTable(output, "User", "Descriptor", "Attempts", "Last attempt", "Next", "Last error")
			for i, v := range views {
				next := "due"
				switch {
				case v.Exhausted:
					next = output.paint(color.FgRed, "exhausted")
				case recs[i].NextEligible.After(now):
					next = "in " + FormatDuration(recs[i].NextEligible.Sub(now))
				}
				t.AddRow(v.User, TruncateString(v.Descriptor, 48), v.RetryCount, v.LastAttempted, next,
					TruncateString(v.LastError, 40))
			}
			t.Render()
			return nil
		}),
	}
	cmd.Flags().String("kind", "", "only this descriptor kind (description, symbol)")
	cmd.Flags().Int("limit", 100, "maximum records to list")
	return cmd
}

func newConflictsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recent resolver disagreements",
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			conflicts, err := app.Admin.Conflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(conflicts)
			}
			if len(conflicts) == 0 {
				output.Info("No conflicts recorded")
				return nil
			}
			t := NewTable(output, "When", "Descriptor", "Winner", "Candidates")
			for _, c := range conflicts {
				t.AddRow(FormatDateTime(c.CreatedAt), TruncateString(c.Descriptor.String(), 40), c.Winner,
					FormatCandidates(c.Candidates))
			}
			t.Render()
			return nil
		}),
	}
	cmd.Flags().Int("limit", 50, "maximum conflicts to list")
	return cmd
}

func newSweepCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the retry and refresh sweeps once",
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			retries, err := app.Scheduler.ProcessDue(ctx)
			if err != nil {
				return err
			}
			refresh, _ := cmd.Flags().GetBool("refresh")
			var stale scheduler.SweepResult
			if refresh {
				if stale, err = app.Scheduler.RefreshStale(ctx); err != nil {
					return err
				}
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]any{"retries": retries, "refresh": stale})
			}
			t := NewTable(output, "Sweep", "Attempted", "Resolved", "Pending", "Unresolvable", "Failed")
			t.AddRow("retries", retries.Attempted, retries.Resolved, retries.Pending, retries.Unresolvable, retries.Failed)
			if refresh {
				t.AddRow("refresh", stale.Attempted, stale.Resolved, stale.Pending, stale.Unresolvable, stale.Failed)
			}
			t.Render()
			return nil
		}),
	}
	cmd.Flags().Bool("refresh", true, "also refresh stale canonical mappings")
	return cmd
}
