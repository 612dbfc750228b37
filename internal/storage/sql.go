package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/commune/internal/backoff"
	"github.com/haasonsaas/commune/pkg/models"
)

const maxPageSize = 1000

// Open returns the StoreSet selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (StoreSet, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == DriverMemory {
		return NewMemoryStores(), nil
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return StoreSet{}, err
	}
	if cfg.AutoMigrate {
		migrator, err := NewMigrator(db, driver)
		if err != nil {
			_ = db.Close()
			return StoreSet{}, err
		}
		if _, err := migrator.Up(ctx); err != nil {
			_ = db.Close()
			return StoreSet{}, fmt.Errorf("migrate: %w", err)
		}
	}
	stores, err := NewSQLStores(db, driver)
	if err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	stores.closer = db.Close
	return stores, nil
}

// OpenDB opens and pings a SQL database for cfg.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	d, ok := dialectFor(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(d.driverName, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d.name == DriverSQLite {
		// SQLite serializes writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	err = backoff.Retry(ctx, backoff.DefaultPolicy(), cfg.ConnectAttempts, func(int) error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewSQLStores builds SQL-backed stores over an open database. The caller
// owns db.
func NewSQLStores(db *sql.DB, driver string) (StoreSet, error) {
	d, ok := dialectFor(driver)
	if !ok {
		return StoreSet{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return newSQLStores(db, d), nil
}

func newSQLStores(db *sql.DB, d dialect) StoreSet {
	base := sqlBase{db: db, dialect: d}
	return StoreSet{
		Communities: &sqlCommunityStore{base},
		Channels:    &sqlChannelStore{base},
		Messages:    &sqlMessageStore{base},
		Users:       &sqlUserStore{base},
	}
}

type sqlBase struct {
	db      *sql.DB
	dialect dialect
}

func (b sqlBase) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.dialect.rebind(query), args...)
}

func (b sqlBase) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.dialect.rebind(query), args...)
}

func (b sqlBase) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.dialect.rebind(query), args...)
}

func (b sqlBase) mapWriteError(err error, op string) error {
	if b.dialect.uniqueViolation(err) {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", op, err)
}

type sqlCommunityStore struct {
	sqlBase
}

const communityColumns = `id, name, summary, image, type, entity_id, is_public, owner_id, created_at, updated_at`

func (s *sqlCommunityStore) Create(ctx context.Context, community *models.Community) error {
	if community == nil || strings.TrimSpace(community.Name) == "" {
		return fmt.Errorf("community name is required")
	}
	if community.ID == "" {
		community.ID = uuid.NewString()
	}
	stampCreated(&community.CreatedAt, &community.UpdatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO community (`+communityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		community.ID,
		community.Name,
		nullString(community.Summary),
		nullString(community.Image),
		community.Type,
		community.EntityID,
		community.IsPublic,
		nullString(community.OwnerID),
		community.CreatedAt,
		community.UpdatedAt,
	)
	if err != nil {
		return s.mapWriteError(err, "create community")
	}
	return nil
}

func (s *sqlCommunityStore) Get(ctx context.Context, id string) (*models.Community, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT `+communityColumns+` FROM community WHERE id = ?`, id)
	community, err := scanCommunity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get community: %w", err)
	}
	return community, nil
}

func (s *sqlCommunityStore) ListPublic(ctx context.Context, limit, offset int) ([]*models.Community, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.query(ctx,
		`SELECT `+communityColumns+` FROM community WHERE is_public = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		true, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()

	var out []*models.Community
	for rows.Next() {
		community, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		out = append(out, community)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommunity(row rowScanner) (*models.Community, error) {
	var community models.Community
	var summary, image, owner sql.NullString
	if err := row.Scan(
		&community.ID,
		&community.Name,
		&summary,
		&image,
		&community.Type,
		&community.EntityID,
		&community.IsPublic,
		&owner,
		&community.CreatedAt,
		&community.UpdatedAt,
	); err != nil {
		return nil, err
	}
	community.Summary = summary.String
	community.Image = image.String
	community.OwnerID = owner.String
	return &community, nil
}

type sqlChannelStore struct {
	sqlBase
}

const channelColumns = `id, community_id, name, description, type, position, created_at, updated_at`

func (s *sqlChannelStore) Create(ctx context.Context, channel *models.Channel) error {
	if channel == nil || channel.CommunityID == "" || strings.TrimSpace(channel.Name) == "" {
		return fmt.Errorf("channel community and name are required")
	}
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	if channel.Type == "" {
		channel.Type = models.ChannelKindChat
	}
	stampCreated(&channel.CreatedAt, &channel.UpdatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO channel (`+channelColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		channel.ID,
		channel.CommunityID,
		channel.Name,
		nullString(channel.Description),
		string(channel.Type),
		channel.Position,
		channel.CreatedAt,
		channel.UpdatedAt,
	)
	if err != nil {
		return s.mapWriteError(err, "create channel")
	}
	return nil
}

func (s *sqlChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT `+channelColumns+` FROM channel WHERE id = ?`, id)
	channel, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

func (s *sqlChannelStore) ListByCommunity(ctx context.Context, communityID string) ([]*models.Channel, error) {
	rows, err := s.query(ctx,
		`SELECT `+channelColumns+` FROM channel WHERE community_id = ? ORDER BY position, created_at`,
		communityID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	out := []*models.Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

func (s *sqlChannelStore) GetOrCreateDefault(ctx context.Context, communityID string) (*models.Channel, error) {
	if communityID == "" {
		return nil, fmt.Errorf("community id is required")
	}
	existing, err := s.ListByCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	channel := &models.Channel{
		CommunityID: communityID,
		Name:        models.DefaultChannelName,
		Type:        models.ChannelKindChat,
		Position:    0,
	}
	if err := s.Create(ctx, channel); err != nil {
		return nil, err
	}
	return channel, nil
}

func scanChannel(row rowScanner) (*models.Channel, error) {
	var channel models.Channel
	var description sql.NullString
	var kind string
	if err := row.Scan(
		&channel.ID,
		&channel.CommunityID,
		&channel.Name,
		&description,
		&kind,
		&channel.Position,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	); err != nil {
		return nil, err
	}
	channel.Description = description.String
	channel.Type = models.ChannelKind(kind)
	return &channel, nil
}

type sqlMessageStore struct {
	sqlBase
}

const messageSelect = `SELECT m.id, m.channel_id, m.user_id, m.content, m.content_type, m.reply_to_id,
	m.attachments, m.mentions, m.is_edited, m.is_deleted, m.created_at, m.updated_at,
	u.id, u.name, u.username, u.display_username, u.image
	FROM channel_message m LEFT JOIN app_user u ON u.id = m.user_id`

func (s *sqlMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ChannelID == "" || msg.UserID == "" {
		return fmt.Errorf("message channel and user are required")
	}
	msg.Normalize()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	stampCreated(&msg.CreatedAt, &msg.UpdatedAt)

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	mentions := msg.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO channel_message (id, channel_id, user_id, content, content_type, reply_to_id,
		 attachments, mentions, is_edited, is_deleted, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID,
		msg.ChannelID,
		msg.UserID,
		msg.Content,
		string(msg.ContentType),
		nullString(msg.ReplyToID),
		string(attachments),
		string(mentionsJSON),
		msg.IsEdited,
		false,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return s.mapWriteError(err, "create message")
	}
	return nil
}

func (s *sqlMessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, messageSelect+` WHERE m.id = ? AND m.is_deleted = ?`, id, false)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *sqlMessageStore) List(ctx context.Context, channelID string, limit, offset int) ([]*models.Message, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.query(ctx,
		messageSelect+` WHERE m.channel_id = ? AND m.is_deleted = ? ORDER BY m.created_at DESC, m.id DESC LIMIT ? OFFSET ?`,
		channelID, false, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *sqlMessageStore) Edit(ctx context.Context, id, userID, content string) (*models.Message, error) {
	result, err := s.exec(ctx,
		`UPDATE channel_message SET content = ?, is_edited = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND is_deleted = ?`,
		content, true, time.Now().UTC(), id, userID, false)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *sqlMessageStore) Delete(ctx context.Context, id, userID string) (*models.Message, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	result, err := s.exec(ctx,
		`UPDATE channel_message SET is_deleted = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND is_deleted = ?`,
		true, now, id, userID, false)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, ErrNotFound
	}
	msg.IsDeleted = true
	msg.UpdatedAt = now
	return msg, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var contentType string
	var replyTo sql.NullString
	var attachments, mentions []byte
	var authorID, authorName, authorUsername, authorDisplay, authorImage sql.NullString
	if err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.UserID,
		&msg.Content,
		&contentType,
		&replyTo,
		&attachments,
		&mentions,
		&msg.IsEdited,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&authorID,
		&authorName,
		&authorUsername,
		&authorDisplay,
		&authorImage,
	); err != nil {
		return nil, err
	}
	msg.ContentType = models.ParseContentType(contentType)
	msg.ReplyToID = replyTo.String
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if len(mentions) > 0 {
		if err := json.Unmarshal(mentions, &msg.Mentions); err != nil {
			return nil, fmt.Errorf("unmarshal mentions: %w", err)
		}
	}
	if len(msg.Mentions) == 0 {
		msg.Mentions = nil
	}
	if msg.Attachments == nil {
		msg.Attachments = []models.Attachment{}
	}
	if authorID.Valid {
		author := &models.User{
			ID:              authorID.String,
			Name:            authorName.String,
			Username:        authorUsername.String,
			DisplayUsername: authorDisplay.String,
			Image:           authorImage.String,
		}
		msg.User = author.Profile()
	}
	return &msg, nil
}

type sqlUserStore struct {
	sqlBase
}

const userColumns = `id, name, email, username, display_username, image, created_at, updated_at`

func (s *sqlUserStore) Upsert(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.exec(ctx,
		`INSERT INTO app_user (`+userColumns+`) VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			username = excluded.username,
			display_username = excluded.display_username,
			image = excluded.image,
			updated_at = excluded.updated_at`,
		user.ID,
		user.Name,
		user.Email,
		nullString(user.Username),
		nullString(user.DisplayUsername),
		nullString(user.Image),
		createdAt,
		now,
	)
	if err != nil {
		return nil, s.mapWriteError(err, "upsert user")
	}
	return s.Get(ctx, user.ID)
}

func (s *sqlUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM app_user WHERE id = ?`, id)
	var user models.User
	var username, display, image sql.NullString
	if err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&username,
		&display,
		&image,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.Username = username.String
	user.DisplayUsername = display.String
	user.Image = image.String
	return &user, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
