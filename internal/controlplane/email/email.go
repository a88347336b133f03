// Package email sends the account notifications this domain adds on
// top of the teacher's EmailService: an order-paid confirmation and a
// VPS-ready notice once provisioning finishes.
package email

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
)

// Sender sends plain-text notification emails over SMTP. It is a no-op
// when no SMTP host is configured, matching the teacher's EmailService
// "silently skip if email not configured" behavior.
type Sender struct {
	enabled  bool
	host     string
	port     int
	user     string
	password string
	from     string
	baseURL  string
	repo     store.Repo
}

func NewSender(cfg config.SMTPConfig, repo store.Repo) *Sender {
	return &Sender{
		enabled:  cfg.Host != "",
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		password: cfg.Password,
		from:     cfg.From,
		baseURL:  cfg.BaseURL,
		repo:     repo,
	}
}

func (s *Sender) IsEnabled() bool { return s.enabled }

// SendOrderPaid notifies the order's owner that payment was received.
func (s *Sender) SendOrderPaid(ctx context.Context, order store.Order) error {
	if !s.enabled {
		return nil
	}
	user, err := s.repo.GetUserByID(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("looking up order owner: %w", err)
	}
	body, err := render(orderPaidTemplate, orderPaidData{
		OrderNumber:  order.OrderNumber,
		Amount:       order.Price,
		Currency:     order.Currency,
		DashboardURL: fmt.Sprintf("%s/orders/%s", s.baseURL, order.ID),
	})
	if err != nil {
		return err
	}
	return s.send(user.Email, fmt.Sprintf("Payment received for order %s", order.OrderNumber), body)
}

// SendVPSReady notifies ownerID that a newly provisioned VPS is active.
func (s *Sender) SendVPSReady(ctx context.Context, ownerID string, vps store.VPSInstance) error {
	if !s.enabled {
		return nil
	}
	user, err := s.repo.GetUserByID(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("looking up vps owner: %w", err)
	}
	body, err := render(vpsReadyTemplate, vpsReadyData{
		DashboardURL: fmt.Sprintf("%s/vps/%s", s.baseURL, vps.ID),
		ExpiresAt:    vps.ExpiresAt.Format("2006-01-02"),
	})
	if err != nil {
		return err
	}
	return s.send(user.Email, "Your VPS is ready", body)
}

// SendPasswordReset emails a password reset link carrying the signed
// reset token. It runs even when SMTP is disabled so the caller's
// "always 200" response never depends on mail delivery succeeding.
func (s *Sender) SendPasswordReset(ctx context.Context, user store.User, token string) error {
	if !s.enabled {
		return nil
	}
	body, err := render(passwordResetTemplate, passwordResetData{
		ResetURL: fmt.Sprintf("%s/reset-password?token=%s", s.baseURL, token),
	})
	if err != nil {
		return err
	}
	return s.send(user.Email, "Reset your password", body)
}

func (s *Sender) send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", to, subject, body))

	var auth smtp.Auth
	if s.user != "" && s.password != "" {
		auth = smtp.PlainAuth("", s.user, s.password, s.host)
	}
	return smtp.SendMail(addr, auth, s.from, []string{to}, msg)
}

type orderPaidData struct {
	OrderNumber  string
	Amount       int64
	Currency     string
	DashboardURL string
}

type vpsReadyData struct {
	DashboardURL string
	ExpiresAt    string
}

type passwordResetData struct {
	ResetURL string
}

var templateCache = map[string]*template.Template{}

func render(tmplStr string, data interface{}) (string, error) {
	tmpl, ok := templateCache[tmplStr]
	if !ok {
		var err error
		tmpl, err = template.New("").Parse(tmplStr)
		if err != nil {
			return "", err
		}
		templateCache[tmplStr] = tmpl
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const orderPaidTemplate = `
Hello,

We've received your payment of {{.Amount}} {{.Currency}} for order {{.OrderNumber}}.
Your VPS instances are now being provisioned and will be ready shortly.

{{.DashboardURL}}

Best regards,
The VPS Rental Team
`

const vpsReadyTemplate = `
Hello,

Your VPS is up and running. You can manage it here:

{{.DashboardURL}}

This instance is provisioned through {{.ExpiresAt}}. Renew before then to avoid a service interruption.

Best regards,
The VPS Rental Team
`

const passwordResetTemplate = `
Hello,

We received a request to reset your password. Click the link below to
choose a new one. This link expires in one hour.

{{.ResetURL}}

If you didn't request this, you can safely ignore this email.

Best regards,
The VPS Rental Team
`
