package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playmatch/matchmaker/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of gorm. It works with any dialect that
// supports ON CONFLICT upserts (postgres, sqlite).
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore returns a store using db. The schema must already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// region --- Session reads ---

func (s *GormStore) JoinableSessions(ctx context.Context, tenant, excludeUser string, gameIDs []string) ([]Session, error) {
	ids := NormalizeIDs(gameIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	db := s.conn(ctx)
	joined := db.Model(&models.UserJoin{}).Select("session_ref").Where("user_id = ?", excludeUser)
	return load(db, func(q *gorm.DB) *gorm.DB {
		return q.Where("tenant = ? AND game_id IN ?", tenant, ids).
			Where("sessions.id NOT IN (?)", joined)
	})
}

func (s *GormStore) UserSessions(ctx context.Context, tenant, user string) ([]Session, error) {
	db := s.conn(ctx)
	joined := db.Model(&models.UserJoin{}).Select("session_ref").Where("user_id = ?", user)
	return load(db, func(q *gorm.DB) *gorm.DB {
		return q.Where("tenant = ?", tenant).Where("sessions.id IN (?)", joined)
	})
}

func (s *GormStore) Sessions(ctx context.Context, ids ...uuid.UUID) ([]Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return load(s.conn(ctx), func(q *gorm.DB) *gorm.DB {
		return q.Where("session_id IN ?", uuidStrings(ids))
	})
}

func (s *GormStore) AllSessions(ctx context.Context) ([]Session, error) {
	return load(s.conn(ctx), nil)
}

// endregion

// region --- Joining ---

func (s *GormStore) CreateSession(ctx context.Context, tenant, creator string, key Key, expireAt time.Time) (Session, error) {
	var created Session
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Session{
			SessionID:      uuid.NewString(),
			Tenant:         tenant,
			GameID:         NormalizeID(key.GameID),
			MaxPlayerCount: key.PlayerCount,
			Description:    key.Description,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		join := models.UserJoin{UserID: creator, SessionRef: row.ID, ExpireAt: expireAt.UnixMilli()}
		if err := tx.Create(&join).Error; err != nil {
			return fmt.Errorf("join created session: %w", err)
		}
		sessions, err := loadRefs(tx, []uint{row.ID})
		if err != nil {
			return err
		}
		if len(sessions) != 1 {
			return fmt.Errorf("created session %s: %w", row.SessionID, ErrNotFound)
		}
		created = sessions[0]
		return nil
	})
	return created, err
}

func (s *GormStore) JoinSession(ctx context.Context, tenant string, id uuid.UUID, user string, expireAt time.Time) (*Session, error) {
	var joined *Session
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Session
		err := tx.Where("tenant = ? AND session_id = ?", tenant, id.String()).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		join := models.UserJoin{UserID: user, SessionRef: row.ID, ExpireAt: expireAt.UnixMilli()}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "session_ref"}},
			DoUpdates: clause.AssignmentColumns([]string{"expire_at"}),
		}).Create(&join).Error
		if err != nil {
			return fmt.Errorf("join session %s: %w", id, err)
		}

		sessions, err := loadRefs(tx, []uint{row.ID})
		if err != nil {
			return err
		}
		if len(sessions) == 1 {
			joined = &sessions[0]
		}
		return nil
	})
	return joined, err
}

// endregion

// region --- Leaving ---

func (s *GormStore) LeaveSessions(ctx context.Context, user string, ids []uuid.UUID) (Changes, error) {
	if len(ids) == 0 {
		return Changes{}, nil
	}
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		joined := tx.Model(&models.UserJoin{}).Select("session_ref").Where("user_id = ?", user)
		var refs []uint
		err := tx.Model(&models.Session{}).
			Where("session_id IN ?", uuidStrings(ids)).
			Where("sessions.id IN (?)", joined).
			Pluck("id", &refs).Error
		if err != nil {
			return err
		}
		changes, err = removeJoins(tx, []string{user}, refs)
		return err
	})
	return changes, err
}

func (s *GormStore) LeaveTenantSessions(ctx context.Context, tenant, user string, ids []uuid.UUID) (Changes, error) {
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		joined := tx.Model(&models.UserJoin{}).Select("session_ref").Where("user_id = ?", user)
		q := tx.Model(&models.Session{}).
			Where("tenant = ?", tenant).
			Where("sessions.id IN (?)", joined)
		if len(ids) > 0 {
			q = q.Where("session_id IN ?", uuidStrings(ids))
		}
		var refs []uint
		if err := q.Pluck("id", &refs).Error; err != nil {
			return err
		}
		var err error
		changes, err = removeJoins(tx, []string{user}, refs)
		return err
	})
	return changes, err
}

func (s *GormStore) LeaveSessionsByGame(ctx context.Context, tenant, user string, gameIDs []string) (Changes, error) {
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		aliases, err := resolveAliases(tx, tenant, gameIDs)
		if err != nil {
			return err
		}
		if len(aliases) == 0 {
			return nil
		}
		joined := tx.Model(&models.UserJoin{}).Select("session_ref").Where("user_id = ?", user)
		var refs []uint
		err = tx.Model(&models.Session{}).
			Where("tenant = ? AND game_id IN ?", tenant, distinctValues(aliases)).
			Where("sessions.id IN (?)", joined).
			Pluck("id", &refs).Error
		if err != nil {
			return err
		}
		changes, err = removeJoins(tx, []string{user}, refs)
		return err
	})
	return changes, err
}

func (s *GormStore) LeaveAllUserSessions(ctx context.Context, users ...string) (Changes, error) {
	if len(users) == 0 {
		return Changes{}, nil
	}
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var refs []uint
		err := tx.Model(&models.UserJoin{}).
			Where("user_id IN ?", users).
			Distinct().
			Pluck("session_ref", &refs).Error
		if err != nil {
			return err
		}
		changes, err = removeJoins(tx, users, refs)
		return err
	})
	return changes, err
}

func (s *GormStore) StopSessions(ctx context.Context, ids ...uuid.UUID) (Changes, error) {
	if len(ids) == 0 {
		return Changes{}, nil
	}
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var refs []uint
		err := tx.Model(&models.Session{}).Where("session_id IN ?", uuidStrings(ids)).Pluck("id", &refs).Error
		if err != nil {
			return err
		}
		changes, err = removeJoins(tx, nil, refs)
		return err
	})
	return changes, err
}

func (s *GormStore) ClearExpiredJoins(ctx context.Context, now time.Time) (Changes, error) {
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := now.UnixMilli()
		var refs []uint
		err := tx.Model(&models.UserJoin{}).
			Where("expire_at <= ?", cutoff).
			Distinct().
			Pluck("session_ref", &refs).Error
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		if err := tx.Where("expire_at <= ?", cutoff).Delete(&models.UserJoin{}).Error; err != nil {
			return fmt.Errorf("delete expired joins: %w", err)
		}
		changes, err = sessionChanges(tx, refs)
		return err
	})
	return changes, err
}

// removeJoins deletes the joins of users (every user when nil) from the
// sessions refs and reports the resulting changes.
func removeJoins(tx *gorm.DB, users []string, refs []uint) (Changes, error) {
	if len(refs) == 0 {
		return Changes{}, nil
	}
	q := tx.Where("session_ref IN ?", refs)
	if users != nil {
		q = q.Where("user_id IN ?", users)
	}
	if err := q.Delete(&models.UserJoin{}).Error; err != nil {
		return Changes{}, fmt.Errorf("delete joins: %w", err)
	}
	return sessionChanges(tx, refs)
}

// sessionChanges deletes the sessions among refs left without participants
// and loads the ones that remain.
func sessionChanges(tx *gorm.DB, refs []uint) (Changes, error) {
	var empty []models.Session
	err := tx.Where("id IN ?", refs).
		Where("NOT EXISTS (SELECT 1 FROM user_joins WHERE user_joins.session_ref = sessions.id)").
		Find(&empty).Error
	if err != nil {
		return Changes{}, err
	}

	var changes Changes
	if len(empty) > 0 {
		emptyRefs := make([]uint, 0, len(empty))
		for _, row := range empty {
			id, err := uuid.Parse(row.SessionID)
			if err != nil {
				return Changes{}, fmt.Errorf("session %d: %w", row.ID, err)
			}
			emptyRefs = append(emptyRefs, row.ID)
			changes.Removed = append(changes.Removed, Removed{ID: id, Tenant: row.Tenant})
		}
		if err := tx.Delete(&models.Session{}, emptyRefs).Error; err != nil {
			return Changes{}, fmt.Errorf("delete empty sessions: %w", err)
		}
	}

	updated, err := loadRefs(tx, refs)
	if err != nil {
		return Changes{}, err
	}
	changes.Updated = updated
	return changes, nil
}

// endregion

// region --- Aliases ---

func (s *GormStore) ResolveAliases(ctx context.Context, tenant string, rawIDs []string) (map[string]string, error) {
	return resolveAliases(s.conn(ctx), tenant, rawIDs)
}

func resolveAliases(tx *gorm.DB, tenant string, rawIDs []string) (map[string]string, error) {
	ids := NormalizeIDs(rawIDs)
	resolved := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return resolved, nil
	}

	var rows []models.GameAlias
	if err := tx.Where("tenant = ? AND game_id IN ?", tenant, ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resolve aliases: %w", err)
	}
	for _, row := range rows {
		resolved[row.GameID] = row.AliasGameID
	}
	for _, id := range ids {
		if _, ok := resolved[id]; !ok {
			resolved[id] = id
		}
	}
	return resolved, nil
}

func (s *GormStore) Aliases(ctx context.Context, tenant string) (map[string]string, error) {
	var rows []models.GameAlias
	if err := s.conn(ctx).Where("tenant = ?", tenant).Order("game_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	aliases := make(map[string]string, len(rows))
	for _, row := range rows {
		aliases[row.GameID] = row.AliasGameID
	}
	return aliases, nil
}

func (s *GormStore) AddAlias(ctx context.Context, tenant, alias string, gameIDs []string) (Changes, error) {
	var changes Changes
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, err := resolveAliases(tx, tenant, []string{alias})
		if err != nil {
			return err
		}
		canonical, ok := resolved[NormalizeID(alias)]
		if !ok {
			return fmt.Errorf("alias %q: %w", alias, ErrNotFound)
		}

		var ids []string
		for _, id := range NormalizeIDs(gameIDs) {
			if id != canonical {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		// Anything already folded into one of ids now folds into canonical.
		err = tx.Model(&models.GameAlias{}).
			Where("tenant = ? AND alias_game_id IN ?", tenant, ids).
			Update("alias_game_id", canonical).Error
		if err != nil {
			return fmt.Errorf("fold aliases: %w", err)
		}

		rows := make([]models.GameAlias, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, models.GameAlias{Tenant: tenant, GameID: id, AliasGameID: canonical})
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "game_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"alias_game_id", "updated_at"}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("save aliases: %w", err)
		}

		if err := rekey(tx, &models.GameName{}, tenant, ids, canonical); err != nil {
			return fmt.Errorf("rekey names: %w", err)
		}
		if err := rekey(tx, &models.GameDefault{}, tenant, ids, canonical); err != nil {
			return fmt.Errorf("rekey defaults: %w", err)
		}

		var refs []uint
		err = tx.Model(&models.Session{}).Where("tenant = ? AND game_id IN ?", tenant, ids).Pluck("id", &refs).Error
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		if err := tx.Model(&models.Session{}).Where("id IN ?", refs).Update("game_id", canonical).Error; err != nil {
			return fmt.Errorf("rewrite sessions: %w", err)
		}

		merged, err := mergeDuplicateJoins(tx, tenant, canonical)
		if err != nil {
			return fmt.Errorf("merge duplicate sessions: %w", err)
		}
		changes, err = sessionChanges(tx, append(refs, merged...))
		return err
	})
	return changes, err
}

// mergeDuplicateJoins keeps each user in only the earliest of their sessions
// of gameID sharing a player count and description. The kept join takes the
// latest expiration. It returns the sessions the user was removed from.
func mergeDuplicateJoins(tx *gorm.DB, tenant, gameID string) ([]uint, error) {
	var rows []models.Session
	err := tx.Preload("Joins").
		Where("tenant = ? AND game_id = ?", tenant, gameID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	type userKey struct {
		user        string
		players     int
		description string
	}
	kept := make(map[userKey]*models.UserJoin)
	var dropped []uint
	for _, row := range rows {
		for i := range row.Joins {
			join := &row.Joins[i]
			k := userKey{join.UserID, row.MaxPlayerCount, row.Description}
			first, ok := kept[k]
			if !ok {
				kept[k] = join
				continue
			}
			if join.ExpireAt > first.ExpireAt {
				err := tx.Model(&models.UserJoin{}).
					Where("user_id = ? AND session_ref = ?", first.UserID, first.SessionRef).
					Update("expire_at", join.ExpireAt).Error
				if err != nil {
					return nil, err
				}
				first.ExpireAt = join.ExpireAt
			}
			err := tx.Where("user_id = ? AND session_ref = ?", join.UserID, join.SessionRef).
				Delete(&models.UserJoin{}).Error
			if err != nil {
				return nil, err
			}
			dropped = append(dropped, row.ID)
		}
	}
	return dropped, nil
}

// rekey moves the first per-game row of ids to canonical when canonical has
// none yet, and drops the rest.
func rekey(tx *gorm.DB, model any, tenant string, ids []string, canonical string) error {
	var existing int64
	if err := tx.Model(model).Where("tenant = ? AND game_id = ?", tenant, canonical).Count(&existing).Error; err != nil {
		return err
	}
	if existing == 0 {
		var refs []uint
		err := tx.Model(model).Where("tenant = ? AND game_id IN ?", tenant, ids).Order("id").Limit(1).Pluck("id", &refs).Error
		if err != nil {
			return err
		}
		if len(refs) == 1 {
			if err := tx.Model(model).Where("id = ?", refs[0]).Update("game_id", canonical).Error; err != nil {
				return err
			}
		}
	}
	return tx.Where("tenant = ? AND game_id IN ?", tenant, ids).Delete(model).Error
}

func (s *GormStore) DeleteAliases(ctx context.Context, tenant string, gameIDs []string) error {
	ids := NormalizeIDs(gameIDs)
	if len(ids) == 0 {
		return nil
	}
	return s.conn(ctx).Where("tenant = ? AND game_id IN ?", tenant, ids).Delete(&models.GameAlias{}).Error
}

// endregion

// region --- Display names ---

func (s *GormStore) DisplayNames(ctx context.Context, tenant string, gameIDs []string) (map[string]string, error) {
	ids := NormalizeIDs(gameIDs)
	q := s.conn(ctx).Where("tenant = ?", tenant)
	if len(ids) > 0 {
		q = q.Where("game_id IN ?", ids)
	}
	var rows []models.GameName
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make(map[string]string, len(rows)+len(ids))
	for _, row := range rows {
		names[row.GameID] = row.Name
	}
	for _, id := range ids {
		if _, ok := names[id]; !ok {
			names[id] = id
		}
	}
	return names, nil
}

func (s *GormStore) SetDisplayName(ctx context.Context, tenant, gameID, name string) ([]Session, error) {
	var relabeled []Session
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		canonical, err := canonicalID(tx, tenant, gameID)
		if err != nil {
			return err
		}
		row := models.GameName{Tenant: tenant, GameID: canonical, Name: name}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "game_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("save name: %w", err)
		}
		relabeled, err = load(tx, func(q *gorm.DB) *gorm.DB {
			return q.Where("tenant = ? AND game_id = ?", tenant, canonical)
		})
		return err
	})
	return relabeled, err
}

func (s *GormStore) DeleteDisplayNames(ctx context.Context, tenant string, gameIDs []string) ([]Session, error) {
	ids := NormalizeIDs(gameIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var relabeled []Session
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("tenant = ? AND game_id IN ?", tenant, ids).Delete(&models.GameName{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var err error
		relabeled, err = load(tx, func(q *gorm.DB) *gorm.DB {
			return q.Where("tenant = ? AND game_id IN ?", tenant, ids)
		})
		return err
	})
	return relabeled, err
}

// endregion

// region --- Game defaults ---

func (s *GormStore) GameDefaults(ctx context.Context, tenant string, gameIDs []string) (map[string]GameDefault, error) {
	ids := NormalizeIDs(gameIDs)
	q := s.conn(ctx).Where("tenant = ?", tenant)
	if len(ids) > 0 {
		q = q.Where("game_id IN ?", ids)
	}
	var rows []models.GameDefault
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	defaults := make(map[string]GameDefault, len(rows))
	for _, row := range rows {
		defaults[row.GameID] = GameDefault{MaxPlayerCount: row.MaxPlayerCount, Description: row.Description}
	}
	return defaults, nil
}

func (s *GormStore) SetGameDefault(ctx context.Context, tenant, gameID string, def GameDefault) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		canonical, err := canonicalID(tx, tenant, gameID)
		if err != nil {
			return err
		}
		row := models.GameDefault{
			Tenant:         tenant,
			GameID:         canonical,
			MaxPlayerCount: def.MaxPlayerCount,
			Description:    def.Description,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant"}, {Name: "game_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"max_player_count", "description", "updated_at"}),
		}).Create(&row).Error
	})
}

func (s *GormStore) DeleteGameDefaults(ctx context.Context, tenant string, gameIDs []string) error {
	ids := NormalizeIDs(gameIDs)
	if len(ids) == 0 {
		return nil
	}
	return s.conn(ctx).Where("tenant = ? AND game_id IN ?", tenant, ids).Delete(&models.GameDefault{}).Error
}

// endregion

// region --- Loading ---

func canonicalID(tx *gorm.DB, tenant, gameID string) (string, error) {
	id := NormalizeID(gameID)
	resolved, err := resolveAliases(tx, tenant, []string{id})
	if err != nil {
		return "", err
	}
	canonical, ok := resolved[id]
	if !ok {
		return "", fmt.Errorf("game id %q: %w", gameID, ErrNotFound)
	}
	return canonical, nil
}

func loadRefs(tx *gorm.DB, refs []uint) ([]Session, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	return load(tx, func(q *gorm.DB) *gorm.DB {
		return q.Where("sessions.id IN ?", refs)
	})
}

// load reads sessions with their joins in creation order and resolves
// their display names.
func load(tx *gorm.DB, scope func(*gorm.DB) *gorm.DB) ([]Session, error) {
	q := tx.Model(&models.Session{}).Preload("Joins")
	if scope != nil {
		q = scope(q)
	}
	var rows []models.Session
	if err := q.Order("sessions.id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	names, err := namesFor(tx, rows)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(row.SessionID)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", row.ID, err)
		}
		name, ok := names[nameKey{row.Tenant, row.GameID}]
		if !ok {
			name = row.GameID
		}
		participants := make(map[string]time.Time, len(row.Joins))
		for _, join := range row.Joins {
			participants[join.UserID] = time.UnixMilli(join.ExpireAt)
		}
		sessions = append(sessions, Session{
			ID:             id,
			Tenant:         row.Tenant,
			GameID:         row.GameID,
			GameName:       name,
			MaxPlayerCount: row.MaxPlayerCount,
			Description:    row.Description,
			CreatedAt:      row.CreatedAt,
			Participants:   participants,
		})
	}
	return sessions, nil
}

type nameKey struct {
	tenant string
	gameID string
}

func namesFor(tx *gorm.DB, rows []models.Session) (map[nameKey]string, error) {
	byTenant := make(map[string][]string)
	for _, row := range rows {
		byTenant[row.Tenant] = append(byTenant[row.Tenant], row.GameID)
	}
	names := make(map[nameKey]string)
	for tenant, ids := range byTenant {
		var found []models.GameName
		if err := tx.Where("tenant = ? AND game_id IN ?", tenant, NormalizeIDs(ids)).Find(&found).Error; err != nil {
			return nil, fmt.Errorf("load names: %w", err)
		}
		for _, n := range found {
			names[nameKey{n.Tenant, n.GameID}] = n.Name
		}
	}
	return names, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func distinctValues(m map[string]string) []string {
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, v := range m {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// endregion
