package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/receiving_backend/utils"
	"gorm.io/gorm"
)

const DefaultLedgerTable = "ledger_documents"

// LedgerEntry is a row of the external yard-management ledger. Read-only.
type LedgerEntry struct {
	DocumentNumber       string    `gorm:"column:document_number;primaryKey;size:64" json:"document_number"`
	InvoiceNumbers       string    `gorm:"column:invoice_numbers;size:1024" json:"invoice_numbers"`
	ClientTaxId          *string   `gorm:"column:client_tax_id;size:32" json:"client_tax_id"`
	ClientSequenceNumber string    `gorm:"column:client_sequence_number;size:32" json:"client_sequence_number"`
	InclusionDate        time.Time `gorm:"column:inclusion_date" json:"inclusion_date"`
	Situation            string    `gorm:"column:situation;size:64" json:"situation"`
}

// TableName is the default; LedgerRepository overrides it per deployment.
func (LedgerEntry) TableName() string {
	return DefaultLedgerTable
}

type LedgerInvoiceMode int

const (
	// LedgerInvoiceExact compares the whole invoice field.
	LedgerInvoiceExact LedgerInvoiceMode = iota
	// LedgerInvoiceMember treats the field as a comma-joined list.
	LedgerInvoiceMember
)

type LedgerClientField int

const (
	LedgerClientAny LedgerClientField = iota
	LedgerClientTaxId
	LedgerClientSequence
)

// LedgerCriteria is a candidate pre-filter. The SQL it produces may be looser
// than the final predicate; callers re-verify every returned row.
type LedgerCriteria struct {
	InvoiceNumber string
	InvoiceMode   LedgerInvoiceMode
	ClientField   LedgerClientField
	ClientValues  []string
	IncludedFrom  *time.Time
	IncludedTo    *time.Time
	Limit         int
}

// normalizedTaxIdExpr strips the usual CNPJ/CPF separators in SQL.
const normalizedTaxIdExpr = "REPLACE(REPLACE(REPLACE(REPLACE(client_tax_id, '.', ''), '/', ''), '-', ''), ' ', '')"

type LedgerRepository struct {
	DB    *gorm.DB
	Table string
}

func NewLedgerRepository(db *gorm.DB, table string) *LedgerRepository {
	if strings.TrimSpace(table) == "" {
		table = DefaultLedgerTable
	}
	return &LedgerRepository{DB: db, Table: table}
}

func (r *LedgerRepository) query(ctx context.Context) *gorm.DB {
	return r.DB.WithContext(ctx).Table(r.Table)
}

func (r *LedgerRepository) FindCandidates(ctx context.Context, c LedgerCriteria) ([]LedgerEntry, error) {
	invoice := strings.TrimSpace(c.InvoiceNumber)
	if invoice == "" {
		return nil, errors.New("invoice number is required")
	}

	q := r.query(ctx)
	switch c.InvoiceMode {
	case LedgerInvoiceExact:
		q = q.Where("TRIM(invoice_numbers) = ?", invoice)
	default:
		// whole elements only; a bare substring match could crowd the member out of the limit
		q = q.Where(r.delimitedInvoiceListExpr()+" LIKE ? ESCAPE '!'", "%,"+escapeLike(stripWhitespace(invoice))+",%")
	}

	switch c.ClientField {
	case LedgerClientTaxId:
		if len(c.ClientValues) == 0 {
			return nil, nil
		}
		q = q.Where("(client_tax_id IN ? OR "+normalizedTaxIdExpr+" IN ?)", c.ClientValues, c.ClientValues)
	case LedgerClientSequence:
		if len(c.ClientValues) == 0 {
			return nil, nil
		}
		q = q.Where("TRIM(client_sequence_number) IN ?", c.ClientValues)
	}

	if c.IncludedFrom != nil {
		q = q.Where("inclusion_date >= ?", *c.IncludedFrom)
	}
	if c.IncludedTo != nil {
		q = q.Where("inclusion_date < ?", *c.IncludedTo)
	}

	limit := c.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []LedgerEntry
	err := q.Order("inclusion_date DESC, document_number DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *LedgerRepository) FindByDocumentNumber(ctx context.Context, documentNumber string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := r.query(ctx).
		Where("document_number = ?", strings.TrimSpace(documentNumber)).
		Order("inclusion_date DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// delimitedInvoiceListExpr renders invoice_numbers as ",a,b,c," with whitespace removed.
func (r *LedgerRepository) delimitedInvoiceListExpr() string {
	stripped := "REPLACE(REPLACE(REPLACE(REPLACE(invoice_numbers, ' ', ''), CHAR(9), ''), CHAR(10), ''), CHAR(13), '')"
	if r.DB.Dialector != nil && r.DB.Dialector.Name() == "mysql" {
		return "CONCAT(',', " + stripped + ", ',')"
	}
	return "(',' || " + stripped + " || ',')"
}

func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
