package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leedenison/portfoliodb/internal/models"
)

// ParseIdentifier parses "NAMESPACE:VALUE".
func ParseIdentifier(s string) (models.Identifier, error) {
	ns, value, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(ns) == "" || strings.TrimSpace(value) == "" {
		return models.Identifier{}, fmt.Errorf("identifier %q must look like NAMESPACE:VALUE", s)
	}
	return models.Identifier{Namespace: ns, Value: value}.Normalize(), nil
}

// ParseIdentifiers parses every argument with ParseIdentifier.
func ParseIdentifiers(args []string) ([]models.Identifier, error) {
	ids := make([]models.Identifier, 0, len(args))
	for _, a := range args {
		id, err := ParseIdentifier(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FormatIdentifiers renders identifiers as a sorted, comma separated list.
func FormatIdentifiers(ids []models.AttachedIdentifier) string {
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = id.Ref().String()
	}
	sort.Strings(refs)
	return strings.Join(refs, ", ")
}

// FormatCandidates renders the answers of each resolver in a conflict.
func FormatCandidates(c map[string][]models.IdentifierRef) string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		refs := make([]string, len(c[name]))
		for i, r := range c[name] {
			refs[i] = r.String()
		}
		parts = append(parts, name+"="+strings.Join(refs, "/"))
	}
	return strings.Join(parts, " ")
}

// FormatDateTime formats a time for tables, "-" when zero.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Hour:
		return d.Round(time.Second).String()
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// TruncateString truncates a string to maxLen runes, marking the cut with "...".
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// ============================================================================
// Descriptor flags
// ============================================================================

// addDescriptorFlags registers the flags describing one descriptor.
func addDescriptorFlags(cmd *cobra.Command) {
	cmd.Flags().String("broker", "", "broker of a description descriptor")
	cmd.Flags().String("description", "", "broker free-text description")
	cmd.Flags().String("domain", "", "symbol domain")
	cmd.Flags().String("exchange", "", "exchange of a symbol descriptor")
	cmd.Flags().String("symbol", "", "trading symbol")
	cmd.Flags().String("currency", "", "trading currency")
	cmd.Flags().String("type", "", "instrument type hint (STK, OPT, FUT, MF, ETF, BOND, CASH)")
}

// descriptorFromFlags builds the descriptor named by addDescriptorFlags.
// --symbol selects a symbol descriptor, --description a description one.
func descriptorFromFlags(cmd *cobra.Command) (models.Descriptor, error) {
	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}

	var d models.Descriptor
	switch {
	case get("symbol") != "" && get("description") != "":
		return d, fmt.Errorf("use either --symbol or --description, not both")
	case get("symbol") != "":
		d = models.NewSymbolDescriptor(get("domain"), get("exchange"), get("symbol"), get("currency"))
	case get("description") != "":
		d = models.NewDescriptionDescriptor(get("broker"), get("description"))
	default:
		return d, fmt.Errorf("a descriptor needs --symbol or --description")
	}
	if t := get("type"); t != "" {
		d.TypeHint = models.ParseInstrumentType(strings.ToUpper(t))
	}
	return d, d.Validate()
}
