package repository

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/hray3182/concierge/internal/database"
	"github.com/hray3182/concierge/internal/models"
)

// DirectoryRepository reads the people, identities and conversation history
// owned by the surrounding CRM.
type DirectoryRepository struct {
	db *database.DB
}

func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

func (r *DirectoryRepository) GetPerson(ctx context.Context, orgID, personID uuid.UUID) (*models.Person, error) {
	person := &models.Person{}
	err := pgxscan.Get(ctx, r.db.Pool, person,
		`SELECT person_id, org_id, full_name, preferred_name, timezone, deleted_at
		 FROM persons WHERE person_id = $2 AND ($1::uuid IS NULL OR org_id = $1)`,
		orgScope(orgID), personID,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return person, nil
}

func (r *DirectoryRepository) GetCommIdentity(ctx context.Context, orgID, identityID uuid.UUID) (*models.CommIdentity, error) {
	identity := &models.CommIdentity{}
	err := pgxscan.Get(ctx, r.db.Pool, identity,
		`SELECT comm_identity_id, org_id, person_id, channel_type, identity_value, is_primary, deleted_at
		 FROM comm_identities WHERE comm_identity_id = $2 AND ($1::uuid IS NULL OR org_id = $1)`,
		orgScope(orgID), identityID,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return identity, nil
}

// RecentMessages returns the newest messages across the person's live conversations.
func (r *DirectoryRepository) RecentMessages(ctx context.Context, orgID, personID uuid.UUID, limit int) ([]models.HistoryMessage, error) {
	var msgs []models.HistoryMessage
	err := pgxscan.Select(ctx, r.db.Pool, &msgs,
		`SELECT m.direction, m.agent_name, m.content_text, m.created_at
		 FROM messages m
		 JOIN conversations c ON c.conversation_id = m.conversation_id
		 WHERE c.person_id = $2 AND ($1::uuid IS NULL OR c.org_id = $1) AND c.deleted_at IS NULL
		 ORDER BY m.created_at DESC
		 LIMIT $3`,
		orgScope(orgID), personID, limit,
	)
	return msgs, err
}
