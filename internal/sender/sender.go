// Package sender implements C9's send half: claiming next-send Issues,
// handing the deliverability HTML to the email gateway, archiving the
// result, and sweeping scheduled sends. Grounded on spec.md §4.9 and
// original_source/workers/jobs/scheduled_send_checker.py's 5-minute sweep.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/mailgateway"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// IssueStore is the slice of Repository[models.IssueModel] the sender needs.
type IssueStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error)
	Update(ctx context.Context, id string, patch map[string]interface{}) error
	Delete(ctx context.Context, id string) error
}

// ArchiveStore is the slice of Repository[models.IssuesArchiveModel] the
// sender needs.
type ArchiveStore interface {
	Upsert(ctx context.Context, matchField string, row *models.IssuesArchiveModel) error
}

// SegmentResolver maps an Issue's variant to the gateway recipient segment
// it should be sent to, since the two newsletters address distinct lists.
type SegmentResolver func(variant string) string

// Stage implements coordinator.Stage for C9's send half.
type Stage struct {
	Issues  IssueStore
	Archive ArchiveStore
	Gateway mailgateway.Gateway

	FromAddress string
	FromName    string
	ReplyTo     string
	TransportID string // empty means no transport is attached
	Segment     SegmentResolver
}

func (s *Stage) Name() string { return "send" }

// Run claims one next-send Issue and sends it (spec §4.9's "Send" step).
func (s *Stage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"issues_sent": 0}}

	issues, err := s.Issues.Find(ctx, store.Eq("status", models.IssueStatusNextSend), store.FindOptions{Limit: 1})
	if err != nil {
		return result, err
	}
	if len(issues) == 0 {
		result.Skipped = true
		result.Reason = "no issue ready to send"
		return result, nil
	}

	if err := s.sendOne(ctx, issues[0]); err != nil {
		result.Errors = append(result.Errors, err)
		return result, nil
	}
	result.Counts["issues_sent"] = 1
	return result, nil
}

// sendOne drives one Issue's gateway lifecycle end to end: create campaign,
// attach transport, send, then archive on success or mark failed on error.
// Kept as its own method (rather than inlined in Run) so
// ScheduledSendSweep can call it synchronously per spec §4.9's "synchronously
// enqueues it for immediate send".
func (s *Stage) sendOne(ctx context.Context, issue models.IssueModel) error {
	campaign, err := s.Gateway.CreateCampaign(ctx, mailgateway.CampaignRequest{
		Name:        issue.IssueID,
		Subject:     issue.SubjectLine,
		HTML:        issue.DeliverabilityHTML,
		FromAddress: s.FromAddress,
		FromName:    s.FromName,
		ReplyTo:     s.ReplyTo,
	})
	if err != nil {
		return s.fail(ctx, issue, fmt.Errorf("creating campaign: %w", err))
	}

	if s.TransportID != "" {
		if err := s.Gateway.AttachTransport(ctx, campaign.ID, s.TransportID); err != nil {
			return s.fail(ctx, issue, fmt.Errorf("attaching transport: %w", err))
		}
	}

	segment := ""
	if s.Segment != nil {
		segment = s.Segment(issue.Variant)
	}
	sendResult, err := s.Gateway.Send(ctx, campaign.ID, segment)
	if err != nil {
		return s.fail(ctx, issue, fmt.Errorf("sending campaign: %w", err))
	}

	stats, statsErr := s.Gateway.Stats(ctx, campaign.ID)
	if statsErr != nil {
		logger.WarnContext(ctx, "send: stats query failed, archiving without gateway stats", "issue_id", issue.IssueID, "error", statsErr)
	}

	now := time.Now()
	archive := &models.IssuesArchiveModel{
		IssueID: issue.IssueID,
		Variant: issue.Variant,
		Status:  models.IssueStatusSent,
		SentAt:  &now,
		GatewayStats: models.JSONBMap{
			"sent":      float64(stats.Sent),
			"delivered": float64(stats.Delivered),
			"opened":    float64(stats.Opened),
			"bounced":   float64(stats.Bounced),
		},
		GatewayResponse: models.JSONBMap{
			"accepted": sendResult.Accepted,
			"message":  sendResult.Message,
			"campaign_id": campaign.ID,
		},
	}
	if err := s.Archive.Upsert(ctx, "issue_id", archive); err != nil {
		return fmt.Errorf("archiving sent issue: %w", err)
	}
	if err := s.Issues.Delete(ctx, issue.ID); err != nil {
		return fmt.Errorf("deleting sent issue: %w", err)
	}

	logger.InfoContext(ctx, "send: issue sent", "issue_id", issue.IssueID, "campaign_id", campaign.ID)
	return nil
}

// fail logs the error and marks issue as failed, per spec §4.9's "On
// failure the Issue remains with status = failed and the error is
// logged." The Issue is left in place (not deleted) so a human can
// inspect and retry it.
func (s *Stage) fail(ctx context.Context, issue models.IssueModel, sendErr error) error {
	logger.ErrorContext(ctx, "send: issue failed", "issue_id", issue.IssueID, "error", sendErr)
	if updateErr := s.Issues.Update(ctx, issue.ID, map[string]interface{}{"status": models.IssueStatusFailed}); updateErr != nil {
		return fmt.Errorf("%w (also failed to mark issue failed: %v)", sendErr, updateErr)
	}
	return sendErr
}

// ScheduledSendSweep implements coordinator.Stage for the 5-minute
// scheduled-send sweep (spec §4.9), grounded on
// scheduled_send_checker.py's status='scheduled' query and
// past-due-reclassify-then-trigger flow.
type ScheduledSendSweep struct {
	Issues IssueStore
	Sender *Stage
}

func (s *ScheduledSendSweep) Name() string { return "scheduled_send_sweep" }

func (s *ScheduledSendSweep) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"issues_triggered": 0}}

	issues, err := s.Issues.Find(ctx, store.Eq("status", models.IssueStatusScheduled), store.FindOptions{})
	if err != nil {
		return result, err
	}

	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	for _, issue := range issues {
		if issue.ScheduledSendTime == nil || issue.ScheduledSendTime.After(now) {
			continue
		}
		if !models.CanTransition(issue.Status, models.IssueStatusNextSend) {
			result.Errors = append(result.Errors, fmt.Errorf("%s: illegal transition %s -> %s", issue.IssueID, issue.Status, models.IssueStatusNextSend))
			continue
		}

		if err := s.Issues.Update(ctx, issue.ID, map[string]interface{}{"status": models.IssueStatusNextSend}); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", issue.IssueID, err))
			continue
		}

		if err := s.Sender.sendOne(ctx, issue); err != nil {
			logger.WarnContext(ctx, "scheduled_send_sweep: immediate send failed", "issue_id", issue.IssueID, "error", err)
			continue
		}
		result.Counts["issues_triggered"]++
	}

	return result, nil
}
