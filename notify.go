package timeblocks

import (
	"context"

	"github.com/timeblocks/timeblocks/internal/logger"
)

// Notifier delivers single-use codes to users. Production deployments plug
// in a mail sender; development uses LogNotifier.
type Notifier interface {
	VerificationCode(ctx context.Context, email, code string) error
	PasswordResetCode(ctx context.Context, email, code string) error
}

// LogNotifier writes codes to the log instead of delivering them. Never use
// it outside development.
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) VerificationCode(ctx context.Context, email, code string) error {
	n.log.Info("verification code issued",
		logger.String("email", email),
		logger.String("code", code))
	return nil
}

func (n *LogNotifier) PasswordResetCode(ctx context.Context, email, code string) error {
	n.log.Info("password reset code issued",
		logger.String("email", email),
		logger.String("code", code))
	return nil
}
