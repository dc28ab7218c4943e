package onboard

import "context"

// ConsoleNotifier logs codes instead of delivering them. Development only.
type ConsoleNotifier struct {
	logger Logger
}

// NewConsoleNotifier returns a notifier that writes codes to logger.
func NewConsoleNotifier(logger Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: normalizeLogger(logger)}
}

func (n *ConsoleNotifier) SendOTP(ctx context.Context, email, code string) error {
	n.logger.Warn("[DEV ONLY] one time code for %s: %s", email, code)
	return nil
}

// NotifierChain fans a code out to every notifier, returning the first error.
type NotifierChain []Notifier

func (c NotifierChain) SendOTP(ctx context.Context, email, code string) error {
	var first error
	for _, n := range c {
		if n == nil {
			continue
		}
		if err := n.SendOTP(ctx, email, code); err != nil && first == nil {
			first = err
		}
	}
	return first
}
