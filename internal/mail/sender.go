package mail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sender delivers verification codes to an email address. Producing the mail
// content and the actual SMTP transport live outside this service's scope;
// implementations only need to get the code to the address.
type Sender interface {
	SendVerificationCode(ctx context.Context, email, code string, ttl time.Duration) error
}

// ConsoleSender writes outgoing verification mails to the log. It is the
// development and test implementation of Sender.
type ConsoleSender struct {
	logger *zap.Logger
}

// NewConsoleSender constructs a ConsoleSender.
func NewConsoleSender(logger *zap.Logger) *ConsoleSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleSender{logger: logger}
}

// SendVerificationCode logs the code instead of mailing it.
func (s *ConsoleSender) SendVerificationCode(_ context.Context, email, code string, ttl time.Duration) error {
	s.logger.Info("verification code issued",
		zap.String("email", email),
		zap.String("code", code),
		zap.String("valid_for", fmt.Sprintf("%d minutes", int(ttl.Minutes()))))
	return nil
}
