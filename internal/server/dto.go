package server

import "botline/internal/domain"

type CreateUserRequest struct {
	Username    string `json:"username" minLength:"1"`
	RoleName    string `json:"role_name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// APIKeyCreatedResponse carries the plaintext key. It is returned exactly
// once; only the hash survives server side.
type APIKeyCreatedResponse struct {
	Key       domain.APIKey `json:"key"`
	Plaintext string        `json:"plaintext"`
}

type CreatePlatformRequest struct {
	Name           string `json:"name" minLength:"1"`
	Description    string `json:"description,omitempty"`
	OSMajorVersion string `json:"os_major_version,omitempty"`
}

type CreateCapabilityRequest struct {
	Name        string `json:"name" minLength:"1"`
	Version     string `json:"version" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type RegisterBotRequest struct {
	Username     string   `json:"username" minLength:"1"`
	PlatformID   string   `json:"platform_id" minLength:"1"`
	Capabilities []string `json:"capabilities,omitempty"`
	Hidden       bool     `json:"hidden,omitempty"`
}

// BotRegisteredResponse carries the plaintext bot token, shown once.
type BotRegisteredResponse struct {
	Bot   domain.Bot `json:"bot"`
	Token string     `json:"token"`
}

type CreateNotificationConfigRequest struct {
	ProfileName        string `json:"profile_name" minLength:"1"`
	ProfileDescription string `json:"profile_description,omitempty"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	TelegramChatID     string `json:"telegram_chat_id,omitempty"`
	SlackWebhookURL    string `json:"slack_webhook_url,omitempty"`
	SlackChannel       string `json:"slack_channel,omitempty"`
	NotifyOnCompleted  *bool  `json:"notify_on_task_completed,omitempty"`
	NotifyOnError      *bool  `json:"notify_on_task_error,omitempty"`
	NotifyOnTimeout    *bool  `json:"notify_on_task_timeout,omitempty"`
	NotifyOnBotOffline *bool  `json:"notify_on_bot_offline,omitempty"`
}

type CreateTaskRequest struct {
	Name                 string `json:"name" minLength:"1"`
	Description          string `json:"description,omitempty"`
	ConfigJSON           string `json:"config_json,omitempty"`
	CapabilityID         string `json:"capability_id" minLength:"1"`
	PlatformID           string `json:"platform_id" minLength:"1"`
	NotificationConfigID string `json:"notification_config_id,omitempty"`
	CronSchedule         string `json:"cron_schedule,omitempty"`
	RunAt                string `json:"run_at,omitempty" format:"date-time"`
	TimeoutSeconds       int    `json:"timeout_seconds,omitempty" minimum:"0"`
	DispatchMode         string `json:"dispatch_mode,omitempty" enum:"broadcast,single"`
	MaxRetries           *int   `json:"max_retries,omitempty"`
	ProofOfWorkRequired  bool   `json:"proof_of_work_required,omitempty"`
	Hidden               bool   `json:"hidden,omitempty"`
}

type UpdateTaskRequest struct {
	Name                 *string `json:"name,omitempty"`
	Description          *string `json:"description,omitempty"`
	ConfigJSON           *string `json:"config_json,omitempty"`
	NotificationConfigID *string `json:"notification_config_id,omitempty"`
	CronSchedule         *string `json:"cron_schedule,omitempty"`
	RunAt                *string `json:"run_at,omitempty" format:"date-time"`
	TimeoutSeconds       *int    `json:"timeout_seconds,omitempty"`
	DispatchMode         *string `json:"dispatch_mode,omitempty" enum:"broadcast,single"`
	MaxRetries           *int    `json:"max_retries,omitempty"`
	ProofOfWorkRequired  *bool   `json:"proof_of_work_required,omitempty"`
	IsActive             *bool   `json:"is_active,omitempty"`
}

type ProgressRequest struct {
	ResultsJSON *string `json:"results_json,omitempty"`
}

type CompleteRequest struct {
	ResultsJSON      *string `json:"results_json,omitempty"`
	ProofName        string  `json:"proof_name,omitempty"`
	ProofLink        string  `json:"proof_link,omitempty"`
	ProofDescription string  `json:"proof_description,omitempty"`
}

type FailRequest struct {
	ErrorMessage string `json:"error_message" minLength:"1"`
}

type AddProofOfWorkRequest struct {
	Name        string `json:"name" minLength:"1"`
	Link        string `json:"link" minLength:"1"`
	Description string `json:"description,omitempty"`
}
