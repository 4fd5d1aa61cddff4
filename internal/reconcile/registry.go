package reconcile

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryID            = "id = ?"
	queryClientGroupID = "client_group_id = ?"
)

// loadOrCreateClientGroup returns the group, creating it at cvr version zero on
// first reference. A group owned by another user is an authorization failure.
func loadOrCreateClientGroup(tx *gorm.DB, userID, clientGroupID string, now time.Time) (ClientGroup, error) {
	candidate := ClientGroup{ID: clientGroupID, UserID: userID, CVRVersion: 0, CreatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return ClientGroup{}, err
	}
	var group ClientGroup
	if err := tx.Where(queryID, clientGroupID).Take(&group).Error; err != nil {
		return ClientGroup{}, err
	}
	if group.UserID != userID {
		return ClientGroup{}, fmt.Errorf("%w: client group %s", ErrUnauthorized, clientGroupID)
	}
	return group, nil
}

// loadOrCreateClient returns the client, creating it with no mutations applied.
// A client registered under a different group is an authorization failure.
func loadOrCreateClient(tx *gorm.DB, clientGroupID, clientID string, now time.Time) (Client, error) {
	candidate := Client{ID: clientID, ClientGroupID: clientGroupID, LastMutationID: 0, CreatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return Client{}, err
	}
	var client Client
	if err := tx.Where(queryID, clientID).Take(&client).Error; err != nil {
		return Client{}, err
	}
	if client.ClientGroupID != clientGroupID {
		return Client{}, fmt.Errorf("%w: client %s does not belong to client group %s", ErrUnauthorized, clientID, clientGroupID)
	}
	return client, nil
}

func advanceClient(tx *gorm.DB, clientID string, lastMutationID int64) error {
	return tx.Model(&Client{}).
		Where(queryID, clientID).
		UpdateColumn("last_mutation_id", lastMutationID).Error
}

func listClientVersions(tx *gorm.DB, clientGroupID string) (map[string]int64, error) {
	var clients []Client
	if err := tx.Where(queryClientGroupID, clientGroupID).Find(&clients).Error; err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(clients))
	for _, client := range clients {
		versions[client.ID] = client.LastMutationID
	}
	return versions, nil
}

func storeCVRVersion(tx *gorm.DB, clientGroupID string, version int64) error {
	return tx.Model(&ClientGroup{}).
		Where(queryID, clientGroupID).
		UpdateColumn("cvr_version", version).Error
}

// ClientGroupSummary describes a client group and its clients for inspection.
type ClientGroupSummary struct {
	Group   ClientGroup
	Clients []Client
}

// MaxLastMutationID returns the highest cursor among the group's clients.
func (summary ClientGroupSummary) MaxLastMutationID() int64 {
	var highest int64
	for _, client := range summary.Clients {
		if client.LastMutationID > highest {
			highest = client.LastMutationID
		}
	}
	return highest
}

// ListClientGroups returns every client group owned by userID with its clients,
// newest first.
func ListClientGroups(ctx context.Context, db *gorm.DB, userID string) ([]ClientGroupSummary, error) {
	if db == nil {
		return nil, newServiceError(opRegistry, "missing_database", errMissingDatabase)
	}
	if userID == "" {
		return nil, newServiceError(opRegistry, "missing_user_id", errMissingUserID)
	}

	var groups []ClientGroup
	if err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&groups).Error; err != nil {
		return nil, newServiceError(opRegistry, "query_failed", err)
	}
	if len(groups) == 0 {
		return nil, nil
	}

	groupIDs := make([]string, 0, len(groups))
	for _, group := range groups {
		groupIDs = append(groupIDs, group.ID)
	}
	var clients []Client
	if err := db.WithContext(ctx).
		Where("client_group_id IN ?", groupIDs).
		Order("created_at ASC").
		Find(&clients).Error; err != nil {
		return nil, newServiceError(opRegistry, "query_failed", err)
	}
	clientsByGroup := make(map[string][]Client, len(groups))
	for _, client := range clients {
		clientsByGroup[client.ClientGroupID] = append(clientsByGroup[client.ClientGroupID], client)
	}

	summaries := make([]ClientGroupSummary, 0, len(groups))
	for _, group := range groups {
		summaries = append(summaries, ClientGroupSummary{Group: group, Clients: clientsByGroup[group.ID]})
	}
	return summaries, nil
}
