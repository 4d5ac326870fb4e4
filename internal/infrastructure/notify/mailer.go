package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mailersend/mailersend-go"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/domain"
	"github.com/appforge/backend/internal/infrastructure/logger"
)

// Mailer emails the requester a link to their published app via MailerSend.
type Mailer struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	timeout time.Duration
	logger  *logger.Logger
}

func NewMailer(cfg config.MailConfig, log *logger.Logger) *Mailer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mailer{
		client:  mailersend.NewMailersend(cfg.APIKey),
		from:    mailersend.From{Name: cfg.FromName, Email: cfg.FromEmail},
		timeout: timeout,
		logger:  log,
	}
}

var _ ports.RequesterNotifier = (*Mailer)(nil)

func (m *Mailer) NotifyRequester(ctx context.Context, req domain.TaskRequest, outcome domain.TaskOutcome) error {
	if req.Email == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	subject, text, html := composeReadyMail(outcome)

	message := m.client.Email.NewMessage()
	message.SetFrom(m.from)
	message.SetRecipients([]mailersend.Recipient{{Email: req.Email}})
	message.SetSubject(subject)
	message.SetText(text)
	message.SetHTML(html)

	if _, err := m.client.Email.Send(ctx, message); err != nil {
		m.logger.Warnw("requester_mail_failed", "task", outcome.Task, "email", req.Email, "error", err)
		return fmt.Errorf("failed to send requester mail: %w", err)
	}
	m.logger.Infow("requester_mail_sent", "task", outcome.Task, "round", outcome.Round)
	return nil
}

func composeReadyMail(o domain.TaskOutcome) (subject, text, html string) {
	subject = fmt.Sprintf("%s (round %d) is live", o.Task, o.Round)
	text = fmt.Sprintf("Your app %s is published.\nLive site: %s\nRepository: %s\nCommit: %s\n",
		o.Task, o.PagesURL, o.RepoURL, o.CommitSHA)
	html = fmt.Sprintf(`<p>Your app <strong>%s</strong> is published.</p>
<p>Live site: <a href="%s">%s</a><br>Repository: <a href="%s">%s</a><br>Commit: <code>%s</code></p>`,
		o.Task, o.PagesURL, o.PagesURL, o.RepoURL, o.RepoURL, o.CommitSHA)
	return subject, text, html
}
