package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/listfeed/internal/config"
)

// Archiver keeps a JSON record of every completed run in S3, one
// object per run keyed by start date.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver builds an S3-backed run archiver.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive: S3 bucket not configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
	}, nil
}

// SaveRun stores the run state under runs/<date>/<id>.json.
func (a *Archiver) SaveRun(ctx context.Context, st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run %s: %w", st.ID, err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(runObjectKey(st.StartedAt, st.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting run %s to S3: %w", st.ID, err)
	}
	return nil
}

// GetRun loads an archived run by start date (YYYY-MM-DD) and ID.
func (a *Archiver) GetRun(ctx context.Context, date, id string) (*RunState, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(fmt.Sprintf("runs/%s/%s.json", date, id)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting run %s from S3: %w", id, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling run %s: %w", id, err)
	}
	return &st, nil
}

// ListRuns returns the IDs of runs archived on the given date.
func (a *Archiver) ListRuns(ctx context.Context, date string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(fmt.Sprintf("runs/%s/", date)),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing runs for %s: %w", date, err)
		}
		for _, obj := range page.Contents {
			name := path.Base(*obj.Key)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	return ids, nil
}

func runObjectKey(started time.Time, id string) string {
	return fmt.Sprintf("runs/%s/%s.json", started.UTC().Format("2006-01-02"), id)
}
