package service

import (
	"context"
	"time"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

// Job types understood by PipelineWorker.
const (
	JobPipelineRun = "pipeline.run"
	JobStageRun    = "pipeline.stage"
	JobSMSFanout   = "sms.fanout"
	JobSMSBatch    = "sms.batch"
	JobStaleSweep  = "sessions.sweep"
)

// SMS batches get one first try plus five retries.
const smsBatchMaxAttempts = 6

// SMSBatchBackoff is the retry schedule of sms.batch jobs: 30s, 60s, 120s, 240s, 480s.
var SMSBatchBackoff = jobs.Exponential(30*time.Second, 480*time.Second)

type enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job, delay time.Duration) error
}

// PipelinePayload drives a whole pipeline for a session.
type PipelinePayload struct {
	SessionID int64 `json:"session_id"`
}

// StagePayload runs exactly one stage.
type StagePayload struct {
	SessionID int64            `json:"session_id"`
	Stage     models.StageName `json:"stage"`
}

// FanoutPayload schedules the invitation SMS of a published session.
type FanoutPayload struct {
	SessionID int64 `json:"session_id"`
}

// SMSBatchPayload is one vendor request worth of messages.
type SMSBatchPayload struct {
	SessionID int64         `json:"session_id"`
	Messages  []smsEnvelope `json:"messages"`
}

type smsEnvelope struct {
	RefID string `json:"ref_id"`
	Text  string `json:"text"`
	Phone string `json:"phone"`
}

// NewPipelineJob builds the heavy-lane job that runs every remaining stage of a session.
func NewPipelineJob(sessionID int64) (jobs.Job, error) {
	return jobs.NewJob(JobPipelineRun, jobs.LanePipeline, PipelinePayload{SessionID: sessionID})
}

// NewStageJob builds the heavy-lane job for a single stage.
func NewStageJob(sessionID int64, stage models.StageName) (jobs.Job, error) {
	return jobs.NewJob(JobStageRun, jobs.LanePipeline, StagePayload{SessionID: sessionID, Stage: stage})
}

// NewSweepJob builds the periodic stale sweep job.
func NewSweepJob() (jobs.Job, error) {
	return jobs.NewJob(JobStaleSweep, jobs.LaneDefault, nil)
}
