package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"botline/internal/config"
	"botline/internal/domain"
	"botline/internal/engine/auth"
	"botline/internal/events"
	"botline/internal/repo"
)

// Notification is the payload handed to the notifier when an execution
// reaches a terminal state.
type Notification struct {
	Kind        string
	TaskID      string
	TaskName    string
	ExecutionID string
	BotID       string
	Message     string
}

// Notifier fans a notification out to the channels a config enables.
// Implementations must not block the caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, cfg domain.NotificationConfig, n Notification)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Actor is an authenticated human caller with their resolved role.
type Actor struct {
	User domain.User
	Role domain.Role
}

// ResolveActorByAPIKey authenticates an API key and loads its user and role.
// Every failure path returns the same AuthenticationError.
func (e Engine) ResolveActorByAPIKey(ctx context.Context, key string) (Actor, error) {
	if key == "" {
		return Actor{}, AuthenticationError{}
	}
	k, err := e.Repo.GetAPIKeyByHash(ctx, auth.HashKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Actor{}, AuthenticationError{}
		}
		return Actor{}, err
	}
	if !k.IsActive {
		return Actor{}, AuthenticationError{}
	}
	u, err := e.Repo.GetUser(ctx, k.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Actor{}, AuthenticationError{}
		}
		return Actor{}, err
	}
	if !u.IsActive {
		return Actor{}, AuthenticationError{}
	}
	role, err := e.Repo.GetRole(ctx, u.RoleName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Actor{}, AuthenticationError{}
		}
		return Actor{}, err
	}
	_ = e.Repo.TouchAPIKey(ctx, k.ID, e.nowString())
	return Actor{User: u, Role: role}, nil
}

// canSee reports whether an actor may observe a resource. Hidden resources are
// visible only to admins, holders of can_see_hidden, and their owner; everyone
// else gets a NotFoundError so hidden ids do not leak.
func (e Engine) canSee(actor Actor, ownerID string, hidden bool) bool {
	if !hidden {
		return true
	}
	if actor.Role.Admin || actor.Role.CanSeeHidden {
		return true
	}
	return ownerID == actor.User.UserID
}

func (e Engine) requireAdmin(actor Actor) error {
	if !actor.Role.Admin {
		return AuthorizationError{Reason: "admin role required"}
	}
	return nil
}

// --- users and roles ---

type UserCreateOptions struct {
	Username    string
	RoleName    string
	Description string
	Hidden      bool
}

func (e Engine) CreateUser(ctx context.Context, actor Actor, opts UserCreateOptions) (domain.User, error) {
	if err := e.requireAdmin(actor); err != nil {
		return domain.User{}, err
	}
	if opts.Username == "" {
		return domain.User{}, ValidationError{Field: "username", Reason: "required"}
	}
	if opts.RoleName == "" {
		return domain.User{}, ValidationError{Field: "role_name", Reason: "required"}
	}
	if _, err := e.Repo.GetRole(ctx, opts.RoleName); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ValidationError{Field: "role_name", Reason: "unknown role " + opts.RoleName}
		}
		return domain.User{}, err
	}
	if opts.Hidden && !actor.Role.CanCreateHidden && !actor.Role.Admin {
		return domain.User{}, AuthorizationError{Reason: "cannot create hidden resources"}
	}
	if _, err := e.Repo.GetUserByUsername(ctx, opts.Username); err == nil {
		return domain.User{}, ValidationError{Field: "username", Reason: "already taken"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		UserID:      uuid.New().String(),
		Username:    opts.Username,
		RoleName:    opts.RoleName,
		Description: opts.Description,
		CreatedAt:   e.nowString(),
		CreatedByID: actor.User.UserID,
		IsActive:    true,
		IsHidden:    opts.Hidden,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.UserID, actor.User.UserID, events.EventPayload{"username": u.Username, "role": u.RoleName}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, actor Actor, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, NotFoundError{Kind: "user", ID: id}
		}
		return domain.User{}, err
	}
	if !e.canSee(actor, u.CreatedByID, u.IsHidden) {
		return domain.User{}, NotFoundError{Kind: "user", ID: id}
	}
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, actor Actor) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, actor.Role.Admin || actor.Role.CanSeeHidden)
}

func (e Engine) DeactivateUser(ctx context.Context, actor Actor, id string) error {
	if err := e.requireAdmin(actor); err != nil {
		return err
	}
	if err := e.Repo.SetUserActive(ctx, id, false); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "user", ID: id}
		}
		return err
	}
	return nil
}

// --- API keys ---

// CreateAPIKey mints a key for a user. The plaintext is returned once and
// never stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor Actor, userID, name string) (domain.APIKey, string, error) {
	if userID == "" {
		userID = actor.User.UserID
	}
	if userID != actor.User.UserID {
		if err := e.requireAdmin(actor); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", NotFoundError{Kind: "user", ID: userID}
		}
		return domain.APIKey{}, "", err
	}
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:          uuid.New().String(),
		Name:        name,
		KeyHash:     hash,
		UserID:      userID,
		CreatedAt:   e.nowString(),
		CreatedByID: actor.User.UserID,
		IsActive:    true,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "apikey", key.ID, actor.User.UserID, events.EventPayload{"user_id": userID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, actor Actor, id string) error {
	k, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "apikey", ID: id}
		}
		return err
	}
	if k.UserID != actor.User.UserID {
		if err := e.requireAdmin(actor); err != nil {
			return err
		}
	}
	return e.Repo.DeactivateAPIKey(ctx, id)
}

// --- platforms and capabilities ---

func (e Engine) CreatePlatform(ctx context.Context, actor Actor, name, description, osMajorVersion string) (domain.Platform, error) {
	if err := e.requireAdmin(actor); err != nil {
		return domain.Platform{}, err
	}
	if name == "" {
		return domain.Platform{}, ValidationError{Field: "name", Reason: "required"}
	}
	p := domain.Platform{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    description,
		OSMajorVersion: osMajorVersion,
	}
	if err := e.Repo.InsertPlatform(ctx, p); err != nil {
		return domain.Platform{}, err
	}
	return p, nil
}

func (e Engine) CreateCapability(ctx context.Context, actor Actor, name, version, description string) (domain.Capability, error) {
	if err := e.requireAdmin(actor); err != nil {
		return domain.Capability{}, err
	}
	if name == "" {
		return domain.Capability{}, ValidationError{Field: "name", Reason: "required"}
	}
	if version == "" {
		return domain.Capability{}, ValidationError{Field: "version", Reason: "required"}
	}
	if _, err := e.Repo.GetCapabilityByNameVersion(ctx, name, version); err == nil {
		return domain.Capability{}, ValidationError{Field: "name", Reason: "capability " + name + "@" + version + " already exists"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Capability{}, err
	}
	c := domain.Capability{
		ID:          uuid.New().String(),
		Name:        name,
		Version:     version,
		Description: description,
	}
	if err := e.Repo.InsertCapability(ctx, c); err != nil {
		return domain.Capability{}, err
	}
	return c, nil
}

// --- bots ---

type BotRegisterOptions struct {
	Username     string
	PlatformID   string
	Capabilities []string
	Hidden       bool
}

// RegisterBot creates a bot and mints its token. The plaintext token is
// returned once.
func (e Engine) RegisterBot(ctx context.Context, actor Actor, opts BotRegisterOptions) (domain.Bot, string, error) {
	if opts.Username == "" {
		return domain.Bot{}, "", ValidationError{Field: "username", Reason: "required"}
	}
	if opts.PlatformID == "" {
		return domain.Bot{}, "", ValidationError{Field: "platform_id", Reason: "required"}
	}
	if _, err := e.Repo.GetPlatform(ctx, opts.PlatformID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Bot{}, "", ValidationError{Field: "platform_id", Reason: "unknown platform " + opts.PlatformID}
		}
		return domain.Bot{}, "", err
	}
	for _, capID := range opts.Capabilities {
		if _, err := e.Repo.GetCapability(ctx, capID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Bot{}, "", ValidationError{Field: "capabilities", Reason: "unknown capability " + capID}
			}
			return domain.Bot{}, "", err
		}
	}
	if opts.Hidden && !actor.Role.CanCreateHidden && !actor.Role.Admin {
		return domain.Bot{}, "", AuthorizationError{Reason: "cannot create hidden resources"}
	}
	if _, err := e.Repo.GetBotByUsername(ctx, opts.Username); err == nil {
		return domain.Bot{}, "", ValidationError{Field: "username", Reason: "already taken"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Bot{}, "", err
	}
	plaintext, hash, err := auth.GenerateBotToken()
	if err != nil {
		return domain.Bot{}, "", err
	}
	b := domain.Bot{
		BotID:       uuid.New().String(),
		CreatedByID: actor.User.UserID,
		PlatformID:  opts.PlatformID,
		Username:    opts.Username,
		TokenHash:   hash,
		CreatedAt:   e.nowString(),
		IsActive:    true,
		IsHidden:    opts.Hidden,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bot{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBot(ctx, tx, b); err != nil {
		return domain.Bot{}, "", err
	}
	for _, capID := range opts.Capabilities {
		if err := e.Repo.AddBotCapability(ctx, tx, b.BotID, capID); err != nil {
			return domain.Bot{}, "", err
		}
	}
	if err := e.Events.Append(ctx, tx, "bot.registered", "bot", b.BotID, actor.User.UserID, events.EventPayload{"username": b.Username, "platform_id": b.PlatformID}); err != nil {
		return domain.Bot{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bot{}, "", err
	}
	b.Capabilities = opts.Capabilities
	return b, plaintext, nil
}

func (e Engine) GetBot(ctx context.Context, actor Actor, id string) (domain.Bot, error) {
	b, err := e.Repo.GetBot(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Bot{}, NotFoundError{Kind: "bot", ID: id}
		}
		return domain.Bot{}, err
	}
	if !e.canSee(actor, b.CreatedByID, b.IsHidden) {
		return domain.Bot{}, NotFoundError{Kind: "bot", ID: id}
	}
	return b, nil
}

func (e Engine) ListBots(ctx context.Context, actor Actor, f repo.BotFilters) ([]domain.Bot, error) {
	f.IncludeHidden = actor.Role.Admin || actor.Role.CanSeeHidden
	return e.Repo.ListBots(ctx, f)
}

// RevokeBotToken flags the bot's token so new claims are refused. An execution
// the bot already holds can still be driven to a terminal state; the hash
// itself keeps verifying.
func (e Engine) RevokeBotToken(ctx context.Context, actor Actor, botID string) error {
	b, err := e.GetBot(ctx, actor, botID)
	if err != nil {
		return err
	}
	if b.CreatedByID != actor.User.UserID {
		if err := e.requireAdmin(actor); err != nil {
			return err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeBotToken(ctx, tx, botID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "bot.token_revoked", "bot", botID, actor.User.UserID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- notification configs and proof of work ---

func (e Engine) CreateNotificationConfig(ctx context.Context, actor Actor, n domain.NotificationConfig) (domain.NotificationConfig, error) {
	if n.ProfileName == "" {
		return domain.NotificationConfig{}, ValidationError{Field: "profile_name", Reason: "required"}
	}
	if n.WebhookURL == "" && n.TelegramChatID == "" && n.SlackWebhookURL == "" {
		return domain.NotificationConfig{}, ValidationError{Field: "profile_name", Reason: "at least one channel required"}
	}
	n.ID = uuid.New().String()
	n.CreatedByID = actor.User.UserID
	if err := e.Repo.InsertNotificationConfig(ctx, n); err != nil {
		return domain.NotificationConfig{}, err
	}
	return n, nil
}

// validateJSON rejects payloads that are not well-formed JSON.
func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
