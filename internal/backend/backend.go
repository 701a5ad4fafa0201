// Package backend implements an optional asynchronous durability mirror: on
// every STORE_COMPLETE, best-effort copy the file to a configured cloud
// bucket. This generalizes aistore's pluggable multi-cloud backend concept
// down to the one provider this repo wires (S3-compatible), built on the
// aws-sdk-go-v2 stack.
//
// A Mirror never participates in acked_ports/R-counting and never blocks
// STORE_COMPLETE: Enqueue only schedules work, and failures are logged and
// dropped. This is not cross-Controller replication — there is still
// exactly one Controller and one in-memory index; the mirror has no read
// path back into the protocol.
package backend

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/nvanstrum/distfs/internal/cmn/nlog"
)

// Mirror asynchronously copies completed files to an S3-compatible bucket.
type Mirror struct {
	bucket   string
	uploader *manager.Uploader
	jobs     chan job
}

type job struct {
	name string
	data []byte
}

// New builds a Mirror against the given bucket using the ambient AWS
// config (environment/shared config files, per aws-sdk-go-v2 convention).
// queueDepth bounds how much in-flight mirror work may be buffered before
// Enqueue starts dropping jobs (mirror durability is best-effort, never a
// backpressure source for the protocol's critical path).
func New(ctx context.Context, bucket string, queueDepth int) (*Mirror, error) {
	cfg, err := awsConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "backend: load aws config")
	}
	client := s3.NewFromConfig(cfg)
	m := &Mirror{
		bucket:   bucket,
		uploader: manager.NewUploader(client),
		jobs:     make(chan job, queueDepth),
	}
	go m.run(ctx)
	return m, nil
}

func (m *Mirror) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.jobs:
			_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: aws.String(m.bucket),
				Key:    aws.String(j.name),
				Body:   bytes.NewReader(j.data),
			})
			if err != nil {
				nlog.Warningf("backend: mirror upload %s failed: %v", j.name, err)
			}
		}
	}
}

// Enqueue schedules name's bytes for a best-effort mirror upload. It never
// blocks the caller: if the queue is full the job is dropped and logged.
func (m *Mirror) Enqueue(name string, data []byte) {
	select {
	case m.jobs <- job{name: name, data: data}:
	default:
		nlog.Warningf("backend: mirror queue full, dropping %s", name)
	}
}
