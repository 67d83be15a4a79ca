package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/receiving_backend/models"
)

const (
	StrategyExact                = "exact"
	StrategyMultiInvoice         = "multi_invoice"
	StrategySequenceExact        = "sequence_exact"
	StrategySequenceMultiInvoice = "sequence_multi_invoice"
	StrategyInvoiceOnly          = "invoice_only"
	StrategyDateExact            = "date_exact"
	StrategyDateMultiInvoice     = "date_multi_invoice"
)

// Strategy is one step of the matching chain. Lower Priority runs first.
type Strategy struct {
	Name          string
	Priority      int
	InvoiceMode   models.LedgerInvoiceMode
	ClientField   models.LedgerClientField
	RequireDate   bool
	LowConfidence bool
}

var catalog = map[string]Strategy{
	StrategyExact: {
		Name:        StrategyExact,
		InvoiceMode: models.LedgerInvoiceExact,
		ClientField: models.LedgerClientTaxId,
	},
	StrategyMultiInvoice: {
		Name:        StrategyMultiInvoice,
		InvoiceMode: models.LedgerInvoiceMember,
		ClientField: models.LedgerClientTaxId,
	},
	StrategySequenceExact: {
		Name:        StrategySequenceExact,
		InvoiceMode: models.LedgerInvoiceExact,
		ClientField: models.LedgerClientSequence,
	},
	StrategySequenceMultiInvoice: {
		Name:        StrategySequenceMultiInvoice,
		InvoiceMode: models.LedgerInvoiceMember,
		ClientField: models.LedgerClientSequence,
	},
	StrategyInvoiceOnly: {
		Name:          StrategyInvoiceOnly,
		InvoiceMode:   models.LedgerInvoiceMember,
		ClientField:   models.LedgerClientAny,
		LowConfidence: true,
	},
	StrategyDateExact: {
		Name:        StrategyDateExact,
		InvoiceMode: models.LedgerInvoiceExact,
		ClientField: models.LedgerClientTaxId,
		RequireDate: true,
	},
	StrategyDateMultiInvoice: {
		Name:        StrategyDateMultiInvoice,
		InvoiceMode: models.LedgerInvoiceMember,
		ClientField: models.LedgerClientTaxId,
		RequireDate: true,
	},
}

var (
	defaultChain       = []string{StrategyExact, StrategyMultiInvoice, StrategySequenceExact, StrategySequenceMultiInvoice, StrategyInvoiceOnly}
	dateValidatedChain = []string{StrategyDateExact, StrategyDateMultiInvoice}
)

func DefaultStrategies() []Strategy {
	s, _ := ParseStrategies(defaultChain)
	return s
}

// DateValidatedStrategies is the stricter chain: tax id plus inclusion date.
func DateValidatedStrategies() []Strategy {
	s, _ := ParseStrategies(dateValidatedChain)
	return s
}

// ParseStrategies builds a chain from names, priority following the order given.
func ParseStrategies(names []string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			continue
		}
		s, ok := catalog[key]
		if !ok {
			return nil, fmt.Errorf("unknown match strategy %q", name)
		}
		seen[key] = true
		s.Priority = len(out) + 1
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty match strategy chain")
	}
	return out, nil
}

func sortedChain(in []Strategy) []Strategy {
	out := make([]Strategy, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
