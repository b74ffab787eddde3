package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"botline/internal/domain"
	"botline/internal/engine"
	"botline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"execution was modified concurrently"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Botline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Botline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerBots(group, cfg.Engine)
	registerNotificationConfigs(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerProtocol(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error types onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var authn engine.AuthenticationError
	if errors.As(err, &authn) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var authz engine.AuthorizationError
	if errors.As(err, &authz) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var conflict engine.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var state engine.InvalidStateError
	if errors.As(err, &state) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"from": string(state.From),
			"to":   string(state.To),
		})
	}
	var validation engine.ValidationError
	if errors.As(err, &validation) {
		details := map[string]any{}
		if validation.Field != "" {
			details["field"] = validation.Field
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	var dep engine.DependencyError
	if errors.As(err, &dep) {
		return newAPIError(http.StatusBadGateway, "dependency_failed", err.Error(), map[string]any{"system": dep.System})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, actor, engine.UserCreateOptions{
			Username:    input.Body.Username,
			RoleName:    input.Body.RoleName,
			Description: input.Body.Description,
			Hidden:      input.Body.Hidden,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListUsers(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, actor, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-user",
		Method:      http.MethodDelete,
		Path:        "/users/{user_id}",
		Summary:     "Deactivate user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeactivateUser(ctx, actor, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, actor, input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{Key: key, Plaintext: plaintext}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-platform",
		Method:        http.MethodPost,
		Path:          "/platforms",
		Summary:       "Create platform",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreatePlatformRequest `json:"body"`
	}) (*struct {
		Body domain.Platform `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePlatform(ctx, actor, input.Body.Name, input.Body.Description, input.Body.OSMajorVersion)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Platform `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-platforms",
		Method:      http.MethodGet,
		Path:        "/platforms",
		Summary:     "List platforms",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Platform `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPlatforms(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Platform `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-capability",
		Method:        http.MethodPost,
		Path:          "/capabilities",
		Summary:       "Create capability",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCapabilityRequest `json:"body"`
	}) (*struct {
		Body domain.Capability `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCapability(ctx, actor, input.Body.Name, input.Body.Version, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Capability `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/capabilities",
		Summary:     "List capabilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Capability `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCapabilities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Capability `json:"body"`
		}{Body: items}, nil
	})
}

func registerBots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-bot",
		Method:        http.MethodPost,
		Path:          "/bots",
		Summary:       "Register bot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body RegisterBotRequest `json:"body"`
	}) (*struct {
		Body BotRegisteredResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, token, err := e.RegisterBot(ctx, actor, engine.BotRegisterOptions{
			Username:     input.Body.Username,
			PlatformID:   input.Body.PlatformID,
			Capabilities: input.Body.Capabilities,
			Hidden:       input.Body.Hidden,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BotRegisteredResponse `json:"body"`
		}{Body: BotRegisteredResponse{Bot: b, Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bots",
		Method:      http.MethodGet,
		Path:        "/bots",
		Summary:     "List bots",
	}, func(ctx context.Context, input *struct {
		PlatformID string `query:"platform_id"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []domain.Bot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBots(ctx, actor, repo.BotFilters{PlatformID: input.PlatformID, ActiveOnly: input.ActiveOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bot `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bot",
		Method:      http.MethodGet,
		Path:        "/bots/{bot_id}",
		Summary:     "Get bot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BotID string `path:"bot_id"`
	}) (*struct {
		Body domain.Bot `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBot(ctx, actor, input.BotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-bot-token",
		Method:      http.MethodPost,
		Path:        "/bots/{bot_id}/revoke",
		Summary:     "Revoke bot token",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BotID string `path:"bot_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeBotToken(ctx, actor, input.BotID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNotificationConfigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-notification-config",
		Method:        http.MethodPost,
		Path:          "/notification-configs",
		Summary:       "Create notification config",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateNotificationConfigRequest `json:"body"`
	}) (*struct {
		Body domain.NotificationConfig `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		boolOr := func(v *bool, def bool) bool {
			if v == nil {
				return def
			}
			return *v
		}
		n, err := e.CreateNotificationConfig(ctx, actor, domain.NotificationConfig{
			ProfileName:        input.Body.ProfileName,
			ProfileDescription: input.Body.ProfileDescription,
			WebhookURL:         input.Body.WebhookURL,
			TelegramChatID:     input.Body.TelegramChatID,
			SlackWebhookURL:    input.Body.SlackWebhookURL,
			SlackChannel:       input.Body.SlackChannel,
			NotifyOnCompleted:  boolOr(input.Body.NotifyOnCompleted, true),
			NotifyOnError:      boolOr(input.Body.NotifyOnError, true),
			NotifyOnTimeout:    boolOr(input.Body.NotifyOnTimeout, true),
			NotifyOnBotOffline: boolOr(input.Body.NotifyOnBotOffline, false),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.NotificationConfig `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notification-configs",
		Method:      http.MethodGet,
		Path:        "/notification-configs",
		Summary:     "List notification configs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.NotificationConfig `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotificationConfigs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.NotificationConfig `json:"body"`
		}{Body: items}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, actor, engine.TaskCreateOptions{
			Name:                 input.Body.Name,
			Description:          input.Body.Description,
			ConfigJSON:           input.Body.ConfigJSON,
			CapabilityID:         input.Body.CapabilityID,
			PlatformID:           input.Body.PlatformID,
			NotificationConfigID: input.Body.NotificationConfigID,
			CronSchedule:         input.Body.CronSchedule,
			RunAt:                input.Body.RunAt,
			TimeoutSeconds:       input.Body.TimeoutSeconds,
			DispatchMode:         input.Body.DispatchMode,
			MaxRetries:           input.Body.MaxRetries,
			ProofOfWorkRequired:  input.Body.ProofOfWorkRequired,
			Hidden:               input.Body.Hidden,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		CapabilityID string `query:"capability_id"`
		PlatformID   string `query:"platform_id"`
		ActiveOnly   bool   `query:"active_only"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, actor, repo.TaskFilters{
			CapabilityID: input.CapabilityID,
			PlatformID:   input.PlatformID,
			ActiveOnly:   input.ActiveOnly,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, actor, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, actor, input.TaskID, engine.TaskUpdateOptions{
			Name:                 input.Body.Name,
			Description:          input.Body.Description,
			ConfigJSON:           input.Body.ConfigJSON,
			NotificationConfigID: input.Body.NotificationConfigID,
			CronSchedule:         input.Body.CronSchedule,
			RunAt:                input.Body.RunAt,
			TimeoutSeconds:       input.Body.TimeoutSeconds,
			DispatchMode:         input.Body.DispatchMode,
			MaxRetries:           input.Body.MaxRetries,
			ProofOfWorkRequired:  input.Body.ProofOfWorkRequired,
			IsActive:             input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hide-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Hide task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.HideTask(ctx, actor, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/trigger",
		Summary:       "Trigger task execution now",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.TaskExecution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		execs, err := e.TriggerExecution(ctx, actor, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if execs == nil {
			execs = []domain.TaskExecution{}
		}
		return &struct {
			Body []domain.TaskExecution `json:"body"`
		}{Body: execs}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
	}, func(ctx context.Context, input *struct {
		TaskID     string `query:"task_id"`
		Status     string `query:"status" enum:",broadcasted,claimed,in_progress,completed,failed,timedout"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.TaskExecution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListExecutions(ctx, actor, repo.ExecutionFilters{
			TaskID:     input.TaskID,
			Status:     input.Status,
			AssignedTo: input.AssignedTo,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskExecution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.TaskExecution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.GetExecution(ctx, actor, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-proof-of-work",
		Method:        http.MethodPost,
		Path:          "/executions/{execution_id}/proof-of-work",
		Summary:       "Attach proof of work",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                `path:"execution_id"`
		Body        AddProofOfWorkRequest `json:"body"`
	}) (*struct {
		Body domain.ProofOfWork `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddProofOfWork(ctx, actor, input.ExecutionID, input.Body.Name, input.Body.Link, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofOfWork `json:"body"`
		}{Body: p}, nil
	})
}

// registerProtocol exposes the bot-facing lifecycle endpoints. These skip the
// human auth middleware; each call authenticates via X-Bot-Id / X-Bot-Token,
// declared per operation so huma resolves the headers.
func registerProtocol(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bot-checkin",
		Method:      http.MethodPost,
		Path:        "/protocol/checkin",
		Summary:     "Bot checkin",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BotID    string `header:"X-Bot-Id"`
		BotToken string `header:"X-Bot-Token"`
	}) (*struct {
		Body domain.Bot `json:"body"`
	}, error) {
		b, err := e.Checkin(ctx, input.BotID, input.BotToken)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bot `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-executions",
		Method:      http.MethodGet,
		Path:        "/protocol/executions",
		Summary:     "List executions offered to the bot",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BotID    string `header:"X-Bot-Id"`
		BotToken string `header:"X-Bot-Token"`
	}) (*struct {
		Body []domain.TaskExecution `json:"body"`
	}, error) {
		items, err := e.OpenExecutionsForBot(ctx, input.BotID, input.BotToken)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.TaskExecution{}
		}
		return &struct {
			Body []domain.TaskExecution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-execution",
		Method:      http.MethodPost,
		Path:        "/protocol/executions/{execution_id}/claim",
		Summary:     "Claim execution",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BotID       string `header:"X-Bot-Id"`
		BotToken    string `header:"X-Bot-Token"`
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.TaskExecution `json:"body"`
	}, error) {
		ex, err := e.Claim(ctx, input.BotID, input.BotToken, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "progress-execution",
		Method:      http.MethodPost,
		Path:        "/protocol/executions/{execution_id}/progress",
		Summary:     "Report execution progress",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BotID       string          `header:"X-Bot-Id"`
		BotToken    string          `header:"X-Bot-Token"`
		ExecutionID string          `path:"execution_id"`
		Body        ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.TaskExecution `json:"body"`
	}, error) {
		ex, err := e.UpdateProgress(ctx, input.BotID, input.BotToken, input.ExecutionID, input.Body.ResultsJSON)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-execution",
		Method:      http.MethodPost,
		Path:        "/protocol/executions/{execution_id}/complete",
		Summary:     "Complete execution",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BotID       string          `header:"X-Bot-Id"`
		BotToken    string          `header:"X-Bot-Token"`
		ExecutionID string          `path:"execution_id"`
		Body        CompleteRequest `json:"body"`
	}) (*struct {
		Body domain.TaskExecution `json:"body"`
	}, error) {
		ex, err := e.Complete(ctx, input.BotID, input.BotToken, input.ExecutionID, engine.CompleteOptions{
			ResultsJSON:      input.Body.ResultsJSON,
			ProofName:        input.Body.ProofName,
			ProofLink:        input.Body.ProofLink,
			ProofDescription: input.Body.ProofDescription,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskExecution `json:"body"`
		}{Body: ex}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-execution",
		Method:      http.MethodPost,
		Path:        "/protocol/executions/{execution_id}/fail",
		Summary:     "Fail execution",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BotID       string      `header:"X-Bot-Id"`
		BotToken    string      `header:"X-Bot-Token"`
		ExecutionID string      `path:"execution_id"`
		Body        FailRequest `json:"body"`
	}) (*struct {
		Body domain.TaskExecution `json:"body"`
	}, error) {
		ex, err := e.Fail(ctx, input.BotID, input.BotToken, input.ExecutionID, input.Body.ErrorMessage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskExecution `json:"body"`
		}{Body: ex}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-tick",
		Method:      http.MethodPost,
		Path:        "/admin/dispatch-tick",
		Summary:     "Run one dispatch tick",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskExecution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.Role.Admin {
			return nil, handleError(engine.AuthorizationError{Reason: "admin role required"})
		}
		execs, err := e.DispatchTick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if execs == nil {
			execs = []domain.TaskExecution{}
		}
		return &struct {
			Body []domain.TaskExecution `json:"body"`
		}{Body: execs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-timeouts",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Run one timeout sweep",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskExecution `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.Role.Admin {
			return nil, handleError(engine.AuthorizationError{Reason: "admin role required"})
		}
		swept, err := e.SweepTimeouts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if swept == nil {
			swept = []domain.TaskExecution{}
		}
		return &struct {
			Body []domain.TaskExecution `json:"body"`
		}{Body: swept}, nil
	})
}
