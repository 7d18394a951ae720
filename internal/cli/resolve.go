package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leedenison/portfoliodb/internal/engine"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/store"
)

// outcomeView is the JSON shape of a resolution outcome.
type outcomeView struct {
	Descriptor  string                 `json:"descriptor"`
	User        models.UserID          `json:"user"`
	State       models.ResolutionState `json:"state"`
	Instrument  models.InstrumentID    `json:"instrument,omitempty"`
	Layer       models.Layer           `json:"layer,omitempty"`
	Raw         string                 `json:"raw"`
	Pending     bool                   `json:"pending"`
	PluginCalls int                    `json:"plugin_calls"`
	Merged      []models.InstrumentID  `json:"merged,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func viewOutcome(out models.Outcome) outcomeView {
	v := outcomeView{
		Descriptor:  out.Descriptor.Descriptor.String(),
		User:        out.Descriptor.User,
		State:       out.State,
		Instrument:  out.Instrument,
		Layer:       out.Layer,
		Raw:         out.Raw,
		Pending:     out.Pending,
		PluginCalls: out.PluginCalls,
		Merged:      out.Merged,
	}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	return v
}

func printOutcomes(output *Output, outs []models.Outcome) error {
	views := make([]outcomeView, len(outs))
	for i, out := range outs {
		views[i] = viewOutcome(out)
	}
	if output.IsJSON() {
		return output.JSON(views)
	}

	t := NewTable(output, "Descriptor", "State", "Instrument", "Layer", "Calls", "Note")
	for _, v := range views {
		instrument := "-"
		if v.Instrument != 0 {
			instrument = strconv.FormatInt(int64(v.Instrument), 10)
		}
		note := v.Error
		switch {
		case note != "":
		case v.State != models.StateResolved:
			note = "shown as " + strconv.Quote(v.Raw)
		case len(v.Merged) > 0:
			note = fmt.Sprintf("merged %v", v.Merged)
		}
		t.AddRow(TruncateString(v.Descriptor, 48), output.State(v.State), instrument, v.Layer, v.PluginCalls, note)
	}
	t.Render()
	return nil
}

func newResolveCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a descriptor to an instrument",
		Long: `Resolve one descriptor for a user.

The identity store is consulted first; resolvers are only called when the
descriptor is not mapped yet, or when --force is given.`,
		Example: `  portfoliodb resolve --user 1 --broker ib --description "APPLE INC"
  portfoliodb resolve --user 1 --exchange NSE --symbol INFY --force`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			d, err := descriptorFromFlags(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetInt64("user")
			force, _ := cmd.Flags().GetBool("force")
			override, _ := cmd.Flags().GetBool("override")

			out, err := app.Engine.Resolve(cmd.Context(), models.ScopedDescriptor{
				User:       models.UserID(user),
				Descriptor: d,
			}, engine.Options{Force: force || override, OverrideAuthoritative: override})
			if err != nil {
				return err
			}
			return printOutcomes(NewOutput(cmd), []models.Outcome{*out})
		}),
	}
	addDescriptorFlags(cmd)
	cmd.Flags().Int64("user", 0, "user the descriptor belongs to")
	cmd.Flags().Bool("force", false, "re-resolve through the resolvers even if mapped")
	cmd.Flags().Bool("override", false, "with --force, allow replacing an authoritative mapping")
	return cmd
}

func newRefreshCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force-refresh canonical mappings",
		Long: `Force-refresh the canonical mapping of a descriptor, or of every descriptor
mapped to an instrument. User overrides are never touched. Authoritative
mappings are kept unless --override is given.`,
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			override, _ := cmd.Flags().GetBool("override")
			id, _ := cmd.Flags().GetInt64("instrument")

			var outs []models.Outcome
			var err error
			if id != 0 {
				outs, err = app.Admin.RefreshInstrument(cmd.Context(), models.InstrumentID(id), override)
			} else {
				d, derr := descriptorFromFlags(cmd)
				if derr != nil {
					return derr
				}
				outs, err = app.Admin.RefreshDescriptors(cmd.Context(), []models.Descriptor{d}, override)
			}
			if len(outs) > 0 {
				if perr := printOutcomes(NewOutput(cmd), outs); perr != nil {
					return perr
				}
			}
			return err
		}),
	}
	addDescriptorFlags(cmd)
	cmd.Flags().Int64("instrument", 0, "refresh every descriptor mapped to this instrument")
	cmd.Flags().Bool("override", false, "allow replacing authoritative mappings")
	return cmd
}

// instrumentView is the JSON shape of an instrument and what references it.
type instrumentView struct {
	Instrument  *models.Instrument          `json:"instrument"`
	RequestedID models.InstrumentID         `json:"requested_id"`
	Identifiers []models.AttachedIdentifier `json:"identifiers"`
	Descriptors []string                    `json:"descriptors"`
	Redirects   []models.Redirect           `json:"merged_from,omitempty"`
	Derivative  *models.Derivative          `json:"derivative,omitempty"`
	Prices      int                         `json:"prices"`
}

func newInstrumentCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instrument <id>",
		Short: "Show an instrument, following merges",
		Args:  cobra.ExactArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid instrument id %q", args[0])
			}
			view, err := loadInstrument(cmd, app, models.InstrumentID(n))
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(view)
			}
			inst := view.Instrument
			if inst.ID != view.RequestedID {
				output.Warning("Instrument %d was merged into %d", view.RequestedID, inst.ID)
			}
			output.Bold("Instrument %d", inst.ID)
			output.Printf("  Type:        %s\n", inst.Type)
			output.Printf("  Status:      %s\n", inst.Status)
			output.Printf("  Created:     %s\n", FormatDateTime(inst.CreatedAt))
			output.Printf("  Version:     %d\n", inst.Version)
			output.Printf("  Identifiers: %s\n", FormatIdentifiers(view.Identifiers))
			output.Printf("  Descriptors: %s\n", strings.Join(view.Descriptors, "; "))
			output.Printf("  Prices:      %d\n", view.Prices)
			for _, r := range view.Redirects {
				output.Dim("  merged from %d at %s", r.Loser, FormatDateTime(r.MergedAt))
			}
			if d := view.Derivative; d != nil {
				output.Printf("  Underlying:  %d %s %s x%s\n", d.Underlying, d.PutCall, d.Strike, d.Multiplier)
			}
			return nil
		}),
	}
	return cmd
}

func loadInstrument(cmd *cobra.Command, app *App, requested models.InstrumentID) (*instrumentView, error) {
	ctx := cmd.Context()
	id, err := app.Store.ResolveRedirect(ctx, requested)
	if err != nil {
		return nil, err
	}
	inst, err := app.Store.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &instrumentView{Instrument: inst, RequestedID: requested}

	if view.Identifiers, err = app.Store.Identifiers(ctx, id); err != nil {
		return nil, err
	}
	ds, err := app.Store.Descriptors(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		view.Descriptors = append(view.Descriptors, d.String())
	}
	if view.Redirects, err = app.Store.Redirects(ctx, id); err != nil {
		return nil, err
	}
	prices, err := app.Store.Prices(ctx, id)
	if err != nil {
		return nil, err
	}
	view.Prices = len(prices)

	d, err := app.Store.GetDerivative(ctx, id)
	switch {
	case err == nil:
		view.Derivative = d
	case !isNotFound(err):
		return nil, err
	}
	return view, nil
}

// transactionsFor lists the transactions a user holds against a descriptor.
func transactionsFor(cmd *cobra.Command, app *App, user models.UserID, d models.Descriptor) ([]models.Transaction, error) {
	return app.Store.Transactions(cmd.Context(), store.TransactionFilter{User: user, Descriptor: &d})
}
