package cli

import (
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leedenison/portfoliodb/internal/models"
)

func TestProperty_IdentifierRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Property: parsing the rendered reference of an identifier gives it back
	properties.Property("ParseIdentifier inverts IdentifierRef.String", prop.ForAll(
		func(ns, value string) bool {
			id := models.Identifier{Namespace: ns, Value: value}
			parsed, err := ParseIdentifier(id.Ref().String())
			if err != nil {
				t.Logf("failed to parse %q: %v", id.Ref(), err)
				return false
			}
			return parsed.Ref() == id.Ref()
		},
		gen.RegexMatch(`[A-Z]{2,6}`),
		gen.RegexMatch(`[A-Z0-9]{1,12}`),
	))

	properties.TestingRun(t)
}

func TestProperty_TruncateStringBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Property: the result never exceeds maxLen runes and short strings are untouched
	properties.Property("TruncateString respects maxLen", prop.ForAll(
		func(s string, maxLen int) bool {
			out := TruncateString(s, maxLen)
			if utf8.RuneCountInString(s) <= maxLen {
				return out == s
			}
			return utf8.RuneCountInString(out) == maxLen
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestParseIdentifier_Rejects(t *testing.T) {
	for _, s := range []string{"", "ISIN", ":US0378331005", "ISIN: "} {
		_, err := ParseIdentifier(s)
		assert.Error(t, err, s)
	}

	id, err := ParseIdentifier(" isin :us0378331005")
	require.NoError(t, err)
	assert.Equal(t, models.IdentifierRef{Namespace: "ISIN", Value: "US0378331005"}, id.Ref())
}

func TestDescriptorFromFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "x"}
		addDescriptorFlags(cmd)
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	d, err := descriptorFromFlags(newCmd("--exchange", "NSE", "--symbol", "INFY", "--type", "stk"))
	require.NoError(t, err)
	assert.Equal(t, models.KindSymbol, d.Kind)
	assert.Equal(t, models.InstrumentStock, d.TypeHint)

	d, err = descriptorFromFlags(newCmd("--broker", "ib", "--description", "APPLE INC"))
	require.NoError(t, err)
	assert.Equal(t, models.KindDescription, d.Kind)

	_, err = descriptorFromFlags(newCmd("--description", "APPLE INC"))
	assert.Error(t, err)
	_, err = descriptorFromFlags(newCmd())
	assert.Error(t, err)
	_, err = descriptorFromFlags(newCmd("--symbol", "A", "--broker", "ib", "--description", "B"))
	assert.Error(t, err)
}
