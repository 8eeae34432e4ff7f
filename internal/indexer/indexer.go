// Package indexer drives knowledge-base ingestion jobs on the external
// indexing service (AWS Bedrock knowledge bases).
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/google/uuid"
	"github.com/mwhitten/ingestd/internal/pipeline"
)

// bedrockAPI abstracts the Bedrock agent operations we use, enabling
// test mocks.
type bedrockAPI interface {
	StartIngestionJob(ctx context.Context, input *bedrockagent.StartIngestionJobInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.StartIngestionJobOutput, error)
	GetIngestionJob(ctx context.Context, input *bedrockagent.GetIngestionJobInput, opts ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error)
}

// Client implements pipeline.Indexer against one knowledge base and data
// source.
type Client struct {
	api             bedrockAPI
	knowledgeBaseID string
	dataSourceID    string
	pollInterval    time.Duration
	pollTimeout     time.Duration
}

// New creates a Client using the ambient AWS credential chain.
func New(ctx context.Context, knowledgeBaseID, dataSourceID, region string, pollInterval, pollTimeout time.Duration) (*Client, error) {
	if knowledgeBaseID == "" || dataSourceID == "" {
		return nil, fmt.Errorf("indexer: knowledge base id and data source id are required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("indexer: load aws config: %w", err)
	}
	return NewWithAPI(bedrockagent.NewFromConfig(cfg), knowledgeBaseID, dataSourceID, pollInterval, pollTimeout), nil
}

// NewWithAPI creates a Client on an injected API client, for tests.
func NewWithAPI(api bedrockAPI, knowledgeBaseID, dataSourceID string, pollInterval, pollTimeout time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Minute
	}
	return &Client{
		api:             api,
		knowledgeBaseID: knowledgeBaseID,
		dataSourceID:    dataSourceID,
		pollInterval:    pollInterval,
		pollTimeout:     pollTimeout,
	}
}

// StartIngestion submits an ingestion job covering the data source and
// returns its id. The client token makes accidental double submission
// idempotent on the service side.
func (c *Client) StartIngestion(ctx context.Context, description string) (string, error) {
	out, err := c.api.StartIngestionJob(ctx, &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(c.knowledgeBaseID),
		DataSourceId:    aws.String(c.dataSourceID),
		Description:     aws.String(description),
		ClientToken:     aws.String(uuid.New().String()),
	})
	if err != nil {
		return "", fmt.Errorf("indexer: start ingestion job: %w", err)
	}
	if out.IngestionJob == nil || out.IngestionJob.IngestionJobId == nil {
		return "", fmt.Errorf("indexer: start ingestion job: empty response")
	}
	return aws.ToString(out.IngestionJob.IngestionJobId), nil
}

// WaitForJob polls the job on a fixed interval until it reaches a
// terminal state, the timeout elapses, or ctx is cancelled.
func (c *Client) WaitForJob(ctx context.Context, jobID string) (pipeline.IndexJob, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, terminal, err := c.checkJob(ctx, jobID)
		if err != nil {
			return pipeline.IndexJob{}, err
		}
		if terminal {
			return job, nil
		}
		if time.Now().After(deadline) {
			return pipeline.IndexJob{}, fmt.Errorf("indexer: job %s did not finish within %s", jobID, c.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return pipeline.IndexJob{}, fmt.Errorf("indexer: wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) checkJob(ctx context.Context, jobID string) (pipeline.IndexJob, bool, error) {
	out, err := c.api.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(c.knowledgeBaseID),
		DataSourceId:    aws.String(c.dataSourceID),
		IngestionJobId:  aws.String(jobID),
	})
	if err != nil {
		return pipeline.IndexJob{}, false, fmt.Errorf("indexer: get ingestion job %s: %w", jobID, err)
	}
	if out.IngestionJob == nil {
		return pipeline.IndexJob{}, false, fmt.Errorf("indexer: get ingestion job %s: empty response", jobID)
	}

	job := out.IngestionJob
	switch job.Status {
	case types.IngestionJobStatusComplete:
		return pipeline.IndexJob{
			ID:        jobID,
			Succeeded: true,
			Detail:    statsDetail(job.Statistics),
		}, true, nil
	case types.IngestionJobStatusFailed:
		return pipeline.IndexJob{
			ID:     jobID,
			Detail: failureDetail(job.FailureReasons),
		}, true, nil
	default:
		return pipeline.IndexJob{}, false, nil
	}
}

func statsDetail(stats *types.IngestionJobStatistics) string {
	if stats == nil {
		return "no statistics reported"
	}
	return fmt.Sprintf("%d scanned, %d indexed, %d deleted, %d failed",
		stats.NumberOfDocumentsScanned,
		stats.NumberOfNewDocumentsIndexed+stats.NumberOfModifiedDocumentsIndexed,
		stats.NumberOfDocumentsDeleted,
		stats.NumberOfDocumentsFailed)
}

func failureDetail(reasons []string) string {
	if len(reasons) == 0 {
		return "no failure reason reported"
	}
	return strings.Join(reasons, "; ")
}
