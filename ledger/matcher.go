package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
)

var (
	ErrMissingInvoiceNumber = errors.New("invoice number is required")
	// ErrTargetDateUnknown is returned by date-validated strategies when the
	// schedule never recorded its confirmation date. The chain stops there.
	ErrTargetDateUnknown = errors.New("target date unknown")
)

// Source is the read-only side of the ledger table.
type Source interface {
	FindCandidates(ctx context.Context, c models.LedgerCriteria) ([]models.LedgerEntry, error)
}

type Query struct {
	InvoiceNumber        string
	ClientTaxId          string
	ClientSequenceNumber string
	TargetDate           *time.Time
}

type Result struct {
	Found         bool
	Entry         models.LedgerEntry
	Strategy      string
	LowConfidence bool
}

type Matcher struct {
	Source     Source
	Strategies []Strategy
	// Strict skips low-confidence strategies.
	Strict bool
	// Location decides which calendar day an inclusion date falls on.
	Location       *time.Location
	CandidateLimit int
}

func NewMatcher(source Source, strategies []Strategy) *Matcher {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Matcher{
		Source:         source,
		Strategies:     strategies,
		Location:       time.UTC,
		CandidateLimit: 50,
	}
}

// Match walks the chain in priority order and returns the first strategy that
// yields a verified candidate. Found=false with a nil error means not found.
func (m *Matcher) Match(ctx context.Context, q Query) (Result, error) {
	invoice := strings.TrimSpace(q.InvoiceNumber)
	if invoice == "" {
		return Result{}, ErrMissingInvoiceNumber
	}
	taxIds := TaxIdVariants(q.ClientTaxId)
	var sequences []string
	if seq := strings.TrimSpace(q.ClientSequenceNumber); seq != "" {
		sequences = []string{seq}
	}

	for _, s := range sortedChain(m.Strategies) {
		if m.Strict && s.LowConfidence {
			continue
		}

		var values []string
		switch s.ClientField {
		case models.LedgerClientTaxId:
			values = taxIds
		case models.LedgerClientSequence:
			values = sequences
		}
		if s.ClientField != models.LedgerClientAny && len(values) == 0 {
			continue
		}

		criteria := models.LedgerCriteria{
			InvoiceNumber: invoice,
			InvoiceMode:   s.InvoiceMode,
			ClientField:   s.ClientField,
			ClientValues:  values,
			Limit:         m.CandidateLimit,
		}
		var day string
		if s.RequireDate {
			if q.TargetDate == nil || q.TargetDate.IsZero() {
				return Result{}, ErrTargetDateUnknown
			}
			from, to := m.dayBounds(*q.TargetDate)
			criteria.IncludedFrom = &from
			criteria.IncludedTo = &to
			day = m.calendarDay(*q.TargetDate)
		}

		candidates, err := m.Source.FindCandidates(ctx, criteria)
		if err != nil {
			return Result{}, fmt.Errorf("ledger strategy %s: %w", s.Name, err)
		}

		var verified []models.LedgerEntry
		for _, c := range candidates {
			if !invoiceMatches(s.InvoiceMode, c.InvoiceNumbers, invoice) {
				continue
			}
			if !clientMatches(s.ClientField, c, values) {
				continue
			}
			if s.RequireDate && m.calendarDay(c.InclusionDate) != day {
				continue
			}
			verified = append(verified, c)
		}
		if len(verified) == 0 {
			continue
		}

		return Result{
			Found:         true,
			Entry:         mostRecent(verified),
			Strategy:      s.Name,
			LowConfidence: s.LowConfidence,
		}, nil
	}
	return Result{}, nil
}

func (m *Matcher) location() *time.Location {
	if m.Location == nil {
		return time.UTC
	}
	return m.Location
}

func (m *Matcher) calendarDay(t time.Time) string {
	return t.In(m.location()).Format("2006-01-02")
}

// dayBounds returns [start, next start) of t's calendar day, in UTC.
func (m *Matcher) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(m.location())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// TaxIdVariants returns the raw (trimmed) tax id and its digits-only form.
func TaxIdVariants(taxId string) []string {
	raw := strings.TrimSpace(taxId)
	digits := utils.DigitsOnly(raw)
	if digits == "" {
		return nil
	}
	return utils.UniqueSlice([]string{raw, digits})
}

// SameTaxId compares two tax ids ignoring formatting.
func SameTaxId(a, b string) bool {
	da, db := utils.DigitsOnly(a), utils.DigitsOnly(b)
	return da != "" && da == db
}

func invoiceMatches(mode models.LedgerInvoiceMode, field, invoice string) bool {
	if mode == models.LedgerInvoiceExact {
		return strings.TrimSpace(field) == invoice
	}
	return utils.InvoiceListContains(field, invoice)
}

func clientMatches(field models.LedgerClientField, entry models.LedgerEntry, values []string) bool {
	switch field {
	case models.LedgerClientTaxId:
		if entry.ClientTaxId == nil {
			return false
		}
		for _, v := range values {
			if SameTaxId(*entry.ClientTaxId, v) {
				return true
			}
		}
		return false
	case models.LedgerClientSequence:
		seq := strings.TrimSpace(entry.ClientSequenceNumber)
		for _, v := range values {
			if seq != "" && seq == v {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// mostRecent breaks ties by inclusion date, then by the highest document number.
func mostRecent(entries []models.LedgerEntry) models.LedgerEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.InclusionDate.Equal(b.InclusionDate) {
			return a.InclusionDate.After(b.InclusionDate)
		}
		return a.DocumentNumber > b.DocumentNumber
	})
	return entries[0]
}
