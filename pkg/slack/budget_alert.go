package slack

import (
	"context"
	"fmt"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/dyocense/kernel/pkg/domain"
)

// BudgetAlertSink adapts Service to budget.AlertSink, posting a
// soft-alert message to the configured channel when a tenant crosses
// 80% of a cost-component cap for its current period. Nil-safe like
// Service: a nil *BudgetAlertSink discards every alert.
type BudgetAlertSink struct {
	service *Service
}

// NewBudgetAlertSink wraps an existing Service as a budget.AlertSink.
// Passing a nil service is valid and yields a no-op sink.
func NewBudgetAlertSink(service *Service) *BudgetAlertSink {
	return &BudgetAlertSink{service: service}
}

// SoftAlert implements budget.AlertSink. Fail-open: delivery errors are
// logged by the underlying Service, never returned, so a Slack outage
// cannot block admission or budget accounting.
func (s *BudgetAlertSink) SoftAlert(ctx context.Context, tenantID string, kind domain.BudgetKind, period string, pctUsed float64) error {
	if s == nil || s.service == nil {
		return nil
	}

	blocks := buildBudgetAlertMessage(tenantID, kind, period, pctUsed, s.service.dashboardURL)
	if err := s.service.client.PostMessage(ctx, blocks, "", 5*time.Second); err != nil {
		s.service.logger.Error("Failed to send Slack budget alert",
			"tenant_id", tenantID, "kind", kind, "period", period, "error", err)
	}
	return nil
}

func buildBudgetAlertMessage(tenantID string, kind domain.BudgetKind, period string, pctUsed float64, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(
		":warning: *Budget alert* — tenant `%s` has used %.0f%% of its %s budget for %s.",
		tenantID, pctUsed*100, kind, period,
	)
	if dashboardURL != "" {
		text += fmt.Sprintf("\n<%s/tenants/%s|View tenant usage>", dashboardURL, tenantID)
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}
