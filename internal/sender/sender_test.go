package sender

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/adapters/mailgateway"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

type fakeIssueStore struct {
	rows    []models.IssueModel
	deleted []string
}

func (f *fakeIssueStore) Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error) {
	var out []models.IssueModel
	for _, r := range f.rows {
		if r.Status == models.IssueStatusNextSend || r.Status == models.IssueStatusScheduled {
			out = append(out, r)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *fakeIssueStore) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	for i := range f.rows {
		if f.rows[i].ID == id {
			if v, ok := patch["status"].(string); ok {
				f.rows[i].Status = v
			}
		}
	}
	return nil
}

func (f *fakeIssueStore) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	var remaining []models.IssueModel
	for _, r := range f.rows {
		if r.ID != id {
			remaining = append(remaining, r)
		}
	}
	f.rows = remaining
	return nil
}

type fakeArchiveStore struct {
	rows []*models.IssuesArchiveModel
}

func (f *fakeArchiveStore) Upsert(ctx context.Context, matchField string, row *models.IssuesArchiveModel) error {
	f.rows = append(f.rows, row)
	return nil
}

type fakeGateway struct {
	campaign        mailgateway.Campaign
	createErr       error
	sendErr         error
	sendResult      mailgateway.SendResult
	stats           mailgateway.Stats
	attachedSegment string
}

func (f *fakeGateway) CreateCampaign(ctx context.Context, req mailgateway.CampaignRequest) (mailgateway.Campaign, error) {
	return f.campaign, f.createErr
}

func (f *fakeGateway) AttachTransport(ctx context.Context, campaignID, transportID string) error {
	return nil
}

func (f *fakeGateway) Send(ctx context.Context, campaignID, segment string) (mailgateway.SendResult, error) {
	f.attachedSegment = segment
	return f.sendResult, f.sendErr
}

func (f *fakeGateway) Stats(ctx context.Context, campaignID string) (mailgateway.Stats, error) {
	return f.stats, nil
}

func TestStage_SendsAndArchivesIssue(t *testing.T) {
	issue := models.IssueModel{ID: "issue-1", IssueID: "pivot5-2026-08-03", Variant: "pivot5", Status: models.IssueStatusNextSend, DeliverabilityHTML: "<div></div>"}
	issues := &fakeIssueStore{rows: []models.IssueModel{issue}}
	archive := &fakeArchiveStore{}
	gateway := &fakeGateway{
		campaign:   mailgateway.Campaign{ID: "camp-1"},
		sendResult: mailgateway.SendResult{Accepted: true, Message: "queued"},
		stats:      mailgateway.Stats{Sent: 1000},
	}

	stage := &Stage{Issues: issues, Archive: archive, Gateway: gateway, Segment: func(variant string) string { return variant + "-segment" }}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["issues_sent"])
	assert.Equal(t, "pivot5-segment", gateway.attachedSegment)
	require.Len(t, archive.rows, 1)
	assert.Equal(t, models.IssueStatusSent, archive.rows[0].Status)
	assert.Equal(t, 1000, archive.rows[0].GatewayStats.GetInt("sent"))
	assert.Equal(t, []string{"issue-1"}, issues.deleted)
}

func TestStage_SendFailureMarksIssueFailed(t *testing.T) {
	issue := models.IssueModel{ID: "issue-1", IssueID: "pivot5-2026-08-03", Status: models.IssueStatusNextSend}
	issues := &fakeIssueStore{rows: []models.IssueModel{issue}}
	gateway := &fakeGateway{campaign: mailgateway.Campaign{ID: "camp-1"}, sendErr: assertErr}

	stage := &Stage{Issues: issues, Archive: &fakeArchiveStore{}, Gateway: gateway}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Len(t, result.Errors, 1)
	assert.Equal(t, models.IssueStatusFailed, issues.rows[0].Status)
}

func TestStage_NoNextSendIssueSkips(t *testing.T) {
	stage := &Stage{Issues: &fakeIssueStore{}, Archive: &fakeArchiveStore{}, Gateway: &fakeGateway{}}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestScheduledSendSweep_TriggersPastDueIssue(t *testing.T) {
	now := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	past := now.Add(-5 * time.Minute)
	future := now.Add(30 * time.Minute)

	issues := &fakeIssueStore{rows: []models.IssueModel{
		{ID: "due", IssueID: "due-issue", Status: models.IssueStatusScheduled, ScheduledSendTime: &past, DeliverabilityHTML: "<div></div>"},
		{ID: "not-due", IssueID: "not-due-issue", Status: models.IssueStatusScheduled, ScheduledSendTime: &future},
	}}
	archive := &fakeArchiveStore{}
	gateway := &fakeGateway{campaign: mailgateway.Campaign{ID: "camp-1"}, sendResult: mailgateway.SendResult{Accepted: true}}
	sendStage := &Stage{Issues: issues, Archive: archive, Gateway: gateway}

	sweep := &ScheduledSendSweep{Issues: issues, Sender: sendStage}
	result, err := sweep.Run(context.Background(), coordinator.StageInput{Now: now})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["issues_triggered"])
	assert.Equal(t, []string{"due"}, issues.deleted)
	require.Len(t, issues.rows, 1)
	assert.Equal(t, "not-due", issues.rows[0].ID)
}

type testError struct{}

func (e *testError) Error() string { return "gateway failure" }

var assertErr = &testError{}
