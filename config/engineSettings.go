package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinReconcileInterval is the floor for the reconciliation poll interval.
const MinReconcileInterval = 10 * time.Second

// EngineSettings holds the DP resolution / reconciliation knobs.
//
// Env:
//   - DP_RESOLUTION_TICK_SECONDS (30)
//   - DP_RESOLUTION_BACKOFF_SECONDS (300)
//   - DP_RESOLUTION_MAX_ATTEMPTS (10)
//   - DP_RECONCILE_INTERVAL_SECONDS (30, floor 10)
//   - DP_RECONCILE_PAGE_SIZE (100)
//   - DP_RECONCILE_EXCLUDED_STATUSES ("cancelled,rejected")
//   - DP_LEDGER_TABLE ("ledger_documents")
//   - DP_LEDGER_CLOSED_SITUATION ("fechado")
//   - DP_LEDGER_TIMEZONE ("UTC")
//   - DP_MATCH_STRATEGIES (default chain)
//   - DP_MATCH_STRICT (false)
//   - DP_MATCH_DATE_VALIDATED (false)
//   - DP_TICK_LOCK (true)
//   - DP_SYNC_AUTOSTART (true)
type EngineSettings struct {
	ResolutionTickInterval time.Duration
	ResolutionBackoff      time.Duration
	ResolutionMaxAttempts  int

	ReconcileInterval         time.Duration
	ReconcilePageSize         int
	ReconcileExcludedStatuses []string

	LedgerTable           string
	LedgerClosedSituation string
	LedgerLocation        *time.Location

	MatchStrategies     []string
	MatchStrict         bool
	MatchDateValidated  bool
	DistributedTickLock bool
	AutoStart           bool
}

func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		ResolutionTickInterval:    30 * time.Second,
		ResolutionBackoff:         5 * time.Minute,
		ResolutionMaxAttempts:     10,
		ReconcileInterval:         30 * time.Second,
		ReconcilePageSize:         100,
		ReconcileExcludedStatuses: []string{"cancelled", "rejected"},
		LedgerTable:               "ledger_documents",
		LedgerClosedSituation:     "fechado",
		LedgerLocation:            time.UTC,
		DistributedTickLock:       true,
		AutoStart:                 true,
	}
}

func LoadEngineSettings() EngineSettings {
	s := DefaultEngineSettings()

	if n := intFromEnv("DP_RESOLUTION_TICK_SECONDS", 0); n > 0 {
		s.ResolutionTickInterval = time.Duration(n) * time.Second
	}
	if n := intFromEnv("DP_RESOLUTION_BACKOFF_SECONDS", 0); n > 0 {
		s.ResolutionBackoff = time.Duration(n) * time.Second
	}
	if n := intFromEnv("DP_RESOLUTION_MAX_ATTEMPTS", 0); n > 0 {
		s.ResolutionMaxAttempts = n
	}
	if n := intFromEnv("DP_RECONCILE_INTERVAL_SECONDS", 0); n > 0 {
		s.ReconcileInterval = time.Duration(n) * time.Second
		if s.ReconcileInterval < MinReconcileInterval {
			log.Printf("DP_RECONCILE_INTERVAL_SECONDS=%d below floor; using %s", n, MinReconcileInterval)
			s.ReconcileInterval = MinReconcileInterval
		}
	}
	if n := intFromEnv("DP_RECONCILE_PAGE_SIZE", 0); n > 0 {
		s.ReconcilePageSize = n
	}
	if v := splitEnv("DP_RECONCILE_EXCLUDED_STATUSES"); v != nil {
		s.ReconcileExcludedStatuses = v
	}
	if v := strings.TrimSpace(os.Getenv("DP_LEDGER_TABLE")); v != "" {
		s.LedgerTable = v
	}
	if v := strings.TrimSpace(os.Getenv("DP_LEDGER_CLOSED_SITUATION")); v != "" {
		s.LedgerClosedSituation = v
	}
	if v := strings.TrimSpace(os.Getenv("DP_LEDGER_TIMEZONE")); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			log.Printf("invalid DP_LEDGER_TIMEZONE=%q: %v; using UTC", v, err)
		} else {
			s.LedgerLocation = loc
		}
	}
	s.MatchStrategies = splitEnv("DP_MATCH_STRATEGIES")
	s.MatchStrict = boolFromEnv("DP_MATCH_STRICT", false)
	s.MatchDateValidated = boolFromEnv("DP_MATCH_DATE_VALIDATED", false)
	s.DistributedTickLock = boolFromEnv("DP_TICK_LOCK", true)
	s.AutoStart = boolFromEnv("DP_SYNC_AUTOSTART", true)

	return s
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func splitEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
