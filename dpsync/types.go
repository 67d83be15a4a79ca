package dpsync

import "time"

// RegistrationSucceeded is published by the goods-registration integration
// once the external warehouse API accepted the invoice.
type RegistrationSucceeded struct {
	ScheduleId           int    `json:"schedule_id" validate:"required,gt=0"`
	InvoiceNumber        string `json:"invoice_number" validate:"required"`
	ClientTaxId          string `json:"client_tax_id" validate:"omitempty,max=32"`
	ClientSequenceNumber string `json:"client_sequence_number" validate:"omitempty,max=32"`
	CorrelationId        string `json:"correlation_id,omitempty"`
}

type PollIntervalRequest struct {
	Seconds int `json:"seconds" validate:"required"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type ClusterState struct {
	InstanceId string    `json:"instance_id"`
	Running    bool      `json:"running"`
	At         time.Time `json:"at"`
}

type ResolutionStats struct {
	Running             bool       `json:"running"`
	TickIntervalSeconds int        `json:"tick_interval_seconds"`
	BackoffSeconds      int        `json:"backoff_seconds"`
	MaxAttempts         int        `json:"max_attempts"`
	LastTickAt          *time.Time `json:"last_tick_at"`
	Ticks               int64      `json:"ticks"`
	SkippedTicks        int64      `json:"skipped_ticks"`
	Strategies          []string   `json:"strategies"`
	Strict              bool       `json:"strict"`
	DateValidated       bool       `json:"date_validated"`
}

type ReconciliationStats struct {
	Running             bool       `json:"running"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	MinIntervalSeconds  int        `json:"min_interval_seconds"`
	PageSize            int        `json:"page_size"`
	Cursor              int        `json:"cursor"`
	LastTickAt          *time.Time `json:"last_tick_at"`
	LastPromoted        int        `json:"last_promoted"`
	TotalPromoted       int        `json:"total_promoted"`
	Ticks               int64      `json:"ticks"`
	SkippedTicks        int64      `json:"skipped_ticks"`
	ClosedSituation     string     `json:"closed_situation"`
}

type Stats struct {
	InstanceId     string              `json:"instance_id"`
	Running        bool                `json:"running"`
	StartedAt      *time.Time          `json:"started_at"`
	ActiveJobs     int                 `json:"active_jobs"`
	Resolution     ResolutionStats     `json:"resolution"`
	Reconciliation ReconciliationStats `json:"reconciliation"`
	ClusterState   *ClusterState       `json:"cluster_state,omitempty"`
}
