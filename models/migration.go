package models

import (
	"log"

	"gorm.io/gorm"
)

// MigrateTable migrates the tables owned by the engine. Schedules, their
// history and the ledger belong to other systems and are only migrated when
// withExternal is set (local/dev databases).
func MigrateTable(db *gorm.DB, withExternal bool) {
	if err := AutoMigrate(db, withExternal); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrate(db *gorm.DB, withExternal bool) error {
	tables := []interface{}{&ResolutionJobRecord{}}
	if withExternal {
		tables = append(tables, &Schedule{}, &ScheduleHistory{}, &LedgerEntry{})
	}
	return db.AutoMigrate(tables...)
}
