package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leedenison/portfoliodb/internal/ingest"
	"github.com/leedenison/portfoliodb/internal/models"
)

// batchFile is the YAML form of an ingest batch.
type batchFile struct {
	User    int64        `yaml:"user"`
	Broker  string       `yaml:"broker"`
	Records []recordFile `yaml:"records"`
}

type recordFile struct {
	Broker       string            `yaml:"broker"`
	Description  string            `yaml:"description"`
	Domain       string            `yaml:"domain"`
	Exchange     string            `yaml:"exchange"`
	Symbol       string            `yaml:"symbol"`
	Currency     string            `yaml:"currency"`
	Type         string            `yaml:"type"`
	Transactions []transactionFile `yaml:"transactions"`
}

type transactionFile struct {
	Account   string `yaml:"account"`
	Type      string `yaml:"type"`
	Units     string `yaml:"units"`
	UnitPrice string `yaml:"unit_price"`
	Currency  string `yaml:"currency"`
	TradeDate string `yaml:"trade_date"`
	Settled   string `yaml:"settled_date"`
}

const dateLayout = "2006-01-02"

// parseBatchFile decodes a YAML batch. Description records inherit the
// batch broker unless they name their own.
func parseBatchFile(data []byte) (ingest.Batch, error) {
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ingest.Batch{}, fmt.Errorf("failed to parse batch: %w", err)
	}

	b := ingest.Batch{User: models.UserID(f.User), Broker: f.Broker}
	for i, r := range f.Records {
		var d models.Descriptor
		if r.Symbol != "" {
			d = models.NewSymbolDescriptor(r.Domain, r.Exchange, r.Symbol, r.Currency)
		} else {
			broker := r.Broker
			if broker == "" {
				broker = f.Broker
			}
			d = models.NewDescriptionDescriptor(broker, r.Description)
		}
		if r.Type != "" {
			d.TypeHint = models.ParseInstrumentType(strings.ToUpper(r.Type))
		}

		rec := ingest.Record{Descriptor: d}
		for j, t := range r.Transactions {
			tx, err := t.transaction()
			if err != nil {
				return ingest.Batch{}, fmt.Errorf("records[%d].transactions[%d]: %w", i, j, err)
			}
			rec.Transactions = append(rec.Transactions, tx)
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

func (t transactionFile) transaction() (models.Transaction, error) {
	units, err := decimal.NewFromString(t.Units)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("invalid units %q", t.Units)
	}
	traded, err := time.Parse(dateLayout, t.TradeDate)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("invalid trade_date %q", t.TradeDate)
	}

	tx := models.Transaction{
		AccountID: t.Account,
		Units:     units,
		Currency:  strings.ToUpper(t.Currency),
		TradeDate: traded,
		Type:      models.TxType(strings.ToUpper(t.Type)),
	}
	if t.UnitPrice != "" {
		price, err := decimal.NewFromString(t.UnitPrice)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("invalid unit_price %q", t.UnitPrice)
		}
		tx.UnitPrice = decimal.NewNullDecimal(price)
	}
	if t.Settled != "" {
		settled, err := time.Parse(dateLayout, t.Settled)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("invalid settled_date %q", t.Settled)
		}
		tx.SettledDate = &settled
	}
	switch tx.Type {
	case models.TxBuy, models.TxSell, models.TxDividend, models.TxFee, models.TxTransfer:
	default:
		return models.Transaction{}, fmt.Errorf("unknown transaction type %q", t.Type)
	}
	return tx, nil
}

func newIngestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <batch.yaml>",
		Short: "Ingest a batch of broker records",
		Long: `Store the transactions of a batch and resolve the descriptors they carry.

Records that cannot be identified yet are reported with their raw broker
string and retried in the background by 'portfoliodb serve'.`,
		Example: `  # batch.yaml
  user: 1
  broker: ib
  records:
    - description: APPLE INC
      transactions:
        - {type: BUY, units: "10", unit_price: "189.50", currency: USD, trade_date: 2024-03-01}
    - exchange: NSE
      symbol: INFY
      currency: INR`,
		Args: cobra.ExactArgs(1),
		RunE: app.opened(func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			batch, err := parseBatchFile(data)
			if err != nil {
				return err
			}
			if user, _ := cmd.Flags().GetInt64("user"); user != 0 {
				batch.User = models.UserID(user)
			}

			summary, err := app.Ingester.Ingest(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return printSummary(NewOutput(cmd), summary)
		}),
	}
	cmd.Flags().Int64("user", 0, "user owning the batch (overrides the file)")
	return cmd
}

type resultView struct {
	Descriptor string              `json:"descriptor"`
	Status     ingest.Status       `json:"status"`
	Instrument models.InstrumentID `json:"instrument,omitempty"`
	Raw        string              `json:"raw"`
	Pending    bool                `json:"pending"`
	Error      string              `json:"error,omitempty"`
}

func printSummary(output *Output, s *ingest.Summary) error {
	views := make([]resultView, len(s.Results))
	for i, r := range s.Results {
		views[i] = resultView{
			Descriptor: r.Descriptor.String(),
			Status:     r.Status,
			Instrument: r.Instrument,
			Raw:        r.Raw,
			Pending:    r.Pending,
		}
		if r.Err != nil {
			views[i].Error = r.Err.Error()
		}
	}

	if output.IsJSON() {
		return output.JSON(map[string]any{
			"batch_id":          s.BatchID,
			"resolved":          s.Resolved,
			"unresolved":        s.Unresolved,
			"errors":            s.Errors,
			"partial_valuation": s.PartialValuation,
			"results":           views,
		})
	}

	t := NewTable(output, "Record", "Status", "Instrument", "Shown as")
	for _, v := range views {
		instrument := "-"
		if v.Instrument != 0 {
			instrument = fmt.Sprint(v.Instrument)
		}
		status := string(v.Status)
		if v.Pending {
			status += " (retrying)"
		}
		t.AddRow(TruncateString(v.Descriptor, 48), status, instrument, v.Raw)
	}
	t.Render()

	output.Println()
	output.Printf("Batch %d: %d resolved, %d unresolved, %d errors\n", s.BatchID, s.Resolved, s.Unresolved, s.Errors)
	if s.PartialValuation {
		output.Warning("Valuation is partial until the unresolved records are identified")
	}
	return nil
}
