// dp-sync-replay republishes registration triggers for schedules that are
// still waiting for their DP, e.g. after the registration integration was
// down or a resolution job was abandoned.
//
// Usage:
//
//	go run ./cmd/dp-sync-replay --schedule-id=501 --invoice=7788 --tax-id=11222333000144 --dry-run=false
//	go run ./cmd/dp-sync-replay --unresolved --limit=200 --dry-run=false
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/dpsync"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/sirupsen/logrus"
)

func main() {
	scheduleID := flag.Int("schedule-id", 0, "schedule id to replay")
	invoice := flag.String("invoice", "", "invoice number (with --schedule-id)")
	taxID := flag.String("tax-id", "", "client tax id (with --schedule-id)")
	sequence := flag.String("sequence", "", "client sequence number (with --schedule-id)")
	unresolved := flag.Bool("unresolved", false, "replay every pre-terminal schedule without a DP")
	limit := flag.Int("limit", 100, "max schedules with --unresolved")
	dryRun := flag.Bool("dry-run", true, "print events only (no publish)")
	flag.Parse()

	if !config.PubSubConfigured() && !*dryRun {
		fmt.Fprintln(os.Stderr, "PUBSUB_PROJECT_ID (or GOOGLE_CLOUD_PROJECT) is required to publish")
		os.Exit(1)
	}

	var events []dpsync.RegistrationSucceeded
	switch {
	case *scheduleID > 0:
		events = append(events, dpsync.RegistrationSucceeded{
			ScheduleId:           *scheduleID,
			InvoiceNumber:        strings.TrimSpace(*invoice),
			ClientTaxId:          strings.TrimSpace(*taxID),
			ClientSequenceNumber: strings.TrimSpace(*sequence),
		})
	case *unresolved:
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()
		if db == nil {
			fmt.Fprintln(os.Stderr, "database not initialized")
			os.Exit(1)
		}
		schedules, err := models.NewScheduleRepository(db).ListUnresolved(context.Background(), nil, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list unresolved schedules: %v\n", err)
			os.Exit(1)
		}
		for _, s := range schedules {
			events = append(events, dpsync.RegistrationSucceeded{
				ScheduleId:    s.ID,
				InvoiceNumber: s.InvoiceNumber,
				ClientTaxId:   s.ClientTaxId,
			})
		}
	default:
		fmt.Fprintln(os.Stderr, "either --schedule-id or --unresolved is required")
		os.Exit(1)
	}

	logger := config.GetLogger()
	ctx := context.Background()
	published, failed := 0, 0
	for _, ev := range events {
		ev.CorrelationId = fmt.Sprintf("dp-sync-replay-%d", ev.ScheduleId)
		if *dryRun {
			fmt.Printf("schedule=%d invoice=%q tax_id=%q sequence=%q\n", ev.ScheduleId, ev.InvoiceNumber, ev.ClientTaxId, ev.ClientSequenceNumber)
			continue
		}
		id, err := dpsync.PublishRegistrationSucceeded(ctx, ev)
		if err != nil {
			failed++
			config.LogError(logger, "dp-sync-replay", "main", "Publish registration trigger", ev, err)
			continue
		}
		published++
		logger.WithFields(logrus.Fields{"field": "dp-sync-replay", "schedule_id": ev.ScheduleId, "message_id": id}).Info("registration trigger published")
	}

	fmt.Printf("events=%d published=%d failed=%d dry_run=%v\n", len(events), published, failed, *dryRun)
	if failed > 0 {
		os.Exit(1)
	}
}
