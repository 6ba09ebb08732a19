package repository

import (
	"github.com/google/uuid"

	"github.com/hray3182/concierge/internal/database"
)

// PostgresStore bundles the Postgres repositories behind the service and scheduler interfaces.
type PostgresStore struct {
	*ReminderRuleRepository
	*DateItemRepository
	*DirectoryRepository
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		ReminderRuleRepository: NewReminderRuleRepository(db),
		DateItemRepository:     NewDateItemRepository(db),
		DirectoryRepository:    NewDirectoryRepository(db),
	}
}

// orgScope maps uuid.Nil to NULL so "$n::uuid IS NULL OR org_id = $n" matches every tenant.
func orgScope(orgID uuid.UUID) *uuid.UUID {
	if orgID == uuid.Nil {
		return nil
	}
	return &orgID
}
