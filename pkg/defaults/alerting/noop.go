// Package alerting holds the Alerter implementations wired by the CLI:
// LogAlerter for the running service and NoopAlerter for tests and
// one-shot commands.
package alerting

import (
	"context"

	"github.com/srvrs/srvrs/pkg/interfaces"
)

// NoopAlerter drops every alert. Lanes, the supervisor and the distributor
// fall back to it when no alerter is configured.
type NoopAlerter struct{}

// NewNoopAlerter creates an alerter that drops everything.
func NewNoopAlerter() *NoopAlerter {
	return &NoopAlerter{}
}

// Alert discards the alert.
func (n *NoopAlerter) Alert(ctx context.Context, alert interfaces.Alert) error {
	return nil
}

// Close does nothing.
func (n *NoopAlerter) Close() error {
	return nil
}

// Verify interface compliance.
var _ interfaces.Alerter = (*NoopAlerter)(nil)
