package domain

type Role struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Admin           bool   `json:"admin"`
	CanCreateHidden bool   `json:"can_create_hidden"`
	CanSeeHidden    bool   `json:"can_see_hidden"`
}

type User struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	RoleName    string `json:"role_name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	CreatedByID string `json:"created_by_id"`
	IsActive    bool   `json:"is_active"`
	IsHidden    bool   `json:"is_hidden"`
}

type APIKey struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	KeyHash     string  `json:"-"`
	UserID      string  `json:"user_id"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CreatedByID string  `json:"created_by_id"`
	LastUsed    *string `json:"last_used,omitempty" format:"date-time"`
	IsActive    bool    `json:"is_active"`
	IsHidden    bool    `json:"is_hidden"`
}

type Platform struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	OSMajorVersion string `json:"os_major_version,omitempty"`
}

type Capability struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type Bot struct {
	BotID        string   `json:"bot_id"`
	CreatedByID  string   `json:"created_by_id"`
	PlatformID   string   `json:"platform_id"`
	Username     string   `json:"username"`
	TokenHash    string   `json:"-"`
	TokenRevoked bool     `json:"token_revoked"`
	LastCheckin  *string  `json:"last_checkin,omitempty" format:"date-time"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	IsActive     bool     `json:"is_active"`
	IsHidden     bool     `json:"is_hidden"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type NotificationConfig struct {
	ID                 string `json:"id"`
	ProfileName        string `json:"profile_name"`
	ProfileDescription string `json:"profile_description,omitempty"`
	CreatedByID        string `json:"created_by_id"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	TelegramChatID     string `json:"telegram_chat_id,omitempty"`
	SlackWebhookURL    string `json:"slack_webhook_url,omitempty"`
	SlackChannel       string `json:"slack_channel,omitempty"`
	NotifyOnCompleted  bool   `json:"notify_on_task_completed"`
	NotifyOnError      bool   `json:"notify_on_task_error"`
	NotifyOnTimeout    bool   `json:"notify_on_task_timeout"`
	NotifyOnBotOffline bool   `json:"notify_on_bot_offline"`
}

// DispatchMode selects how many executions a tick creates for a due task.
type DispatchMode string

const (
	DispatchBroadcast DispatchMode = "broadcast"
	DispatchSingle    DispatchMode = "single"
)

type Task struct {
	TaskID               string       `json:"task_id"`
	Name                 string       `json:"name"`
	Description          string       `json:"description,omitempty"`
	ConfigJSON           string       `json:"config_json"`
	CapabilityID         string       `json:"capability_id"`
	PlatformID           string       `json:"platform_id"`
	CreatedByID          string       `json:"created_by_id"`
	CreatedAt            string       `json:"created_at" format:"date-time"`
	NotificationConfigID *string      `json:"notification_config_id,omitempty"`
	NextRun              *string      `json:"next_run,omitempty" format:"date-time"`
	LastRun              *string      `json:"last_run,omitempty" format:"date-time"`
	TimeoutSeconds       int          `json:"timeout_seconds"`
	CronSchedule         *string      `json:"cron_schedule,omitempty"`
	DispatchMode         DispatchMode `json:"dispatch_mode" enum:"broadcast,single"`
	MaxRetries           int          `json:"max_retries"`
	ProofOfWorkRequired  bool         `json:"proof_of_work_required"`
	IsActive             bool         `json:"is_active"`
	IsHidden             bool         `json:"is_hidden"`
}

type ProofOfWork struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Link        string `json:"link"`
	Description string `json:"description,omitempty"`
}

type TaskExecution struct {
	ExecutionID   string          `json:"execution_id"`
	TaskID        string          `json:"task_id"`
	CreatedByID   string          `json:"created_by_id"`
	AssignedTo    *string         `json:"assigned_to,omitempty"`
	Status        ExecutionStatus `json:"status" enum:"broadcasted,claimed,in_progress,completed,failed,timedout"`
	StartedAt     string          `json:"started_at" format:"date-time"`
	ClaimedAt     *string         `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt   *string         `json:"completed_at,omitempty" format:"date-time"`
	ProofOfWorkID *string         `json:"proof_of_work_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ResultsJSON   *string         `json:"results_json,omitempty"`
	RetryCount    int             `json:"retry_count"`
	IsHidden      bool            `json:"is_hidden"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
