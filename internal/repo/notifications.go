package repo

import (
	"context"
	"database/sql"

	"botline/internal/domain"
)

const notificationCols = `id,profile_name,profile_description,created_by_id,webhook_url,telegram_chat_id,slack_webhook_url,slack_channel,notify_on_task_completed,notify_on_task_error,notify_on_task_timeout,notify_on_bot_offline`

func (r Repo) InsertNotificationConfig(ctx context.Context, n domain.NotificationConfig) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_configs(`+notificationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ProfileName, nullable(n.ProfileDescription), n.CreatedByID,
		nullable(n.WebhookURL), nullable(n.TelegramChatID), nullable(n.SlackWebhookURL), nullable(n.SlackChannel),
		n.NotifyOnCompleted, n.NotifyOnError, n.NotifyOnTimeout, n.NotifyOnBotOffline)
	return err
}

func scanNotificationRow(scan func(dest ...any) error) (domain.NotificationConfig, error) {
	var n domain.NotificationConfig
	var desc, webhook, tgChat, slackHook, slackChan sql.NullString
	err := scan(&n.ID, &n.ProfileName, &desc, &n.CreatedByID, &webhook, &tgChat, &slackHook, &slackChan,
		&n.NotifyOnCompleted, &n.NotifyOnError, &n.NotifyOnTimeout, &n.NotifyOnBotOffline)
	if err != nil {
		return n, err
	}
	if desc.Valid {
		n.ProfileDescription = desc.String
	}
	if webhook.Valid {
		n.WebhookURL = webhook.String
	}
	if tgChat.Valid {
		n.TelegramChatID = tgChat.String
	}
	if slackHook.Valid {
		n.SlackWebhookURL = slackHook.String
	}
	if slackChan.Valid {
		n.SlackChannel = slackChan.String
	}
	return n, nil
}

func (r Repo) GetNotificationConfig(ctx context.Context, id string) (domain.NotificationConfig, error) {
	n, err := scanNotificationRow(r.DB.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notification_configs WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

func (r Repo) ListNotificationConfigs(ctx context.Context) ([]domain.NotificationConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+notificationCols+` FROM notification_configs ORDER BY profile_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationConfig
	for rows.Next() {
		n, err := scanNotificationRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) DeleteNotificationConfig(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notification_configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProofOfWork(ctx context.Context, tx *sql.Tx, p domain.ProofOfWork) error {
	_, err := execer(r.DB, tx)(ctx, `INSERT INTO proof_of_work(id,name,link,description) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Link, nullable(p.Description))
	return err
}

func (r Repo) GetProofOfWork(ctx context.Context, id string) (domain.ProofOfWork, error) {
	var p domain.ProofOfWork
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,link,description FROM proof_of_work WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Link, &desc)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}
