package signers

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/firmador/keys"
)

// DefaultWorkers is the pool size when none is given.
const DefaultWorkers = 4

// Job is one document to sign in a batch.
type Job struct {
	Name    string
	PDF     []byte
	Request SignatureRequest
}

// JobResult pairs a job with its outcome.
type JobResult struct {
	Name     string
	Document *SignedDocument
	Err      error
}

// Pool signs batches of documents on a bounded number of goroutines.
type Pool struct {
	signer  *DocumentSigner
	workers int
	logger  logrus.FieldLogger
}

// NewPool creates a pool of workers goroutines. Values below one mean
// DefaultWorkers.
func NewPool(signer *DocumentSigner, workers int) *Pool {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Pool{signer: signer, workers: workers, logger: signer.logger}
}

// SignAll signs every job with cred. Results keep the order of jobs and a
// failed job does not stop the others. The error is set only when ctx ends
// before all jobs ran; jobs not started then carry ctx's error.
func (p *Pool) SignAll(ctx context.Context, cred *keys.SigningCredential, jobs []Job) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, job := range jobs {
		results[i].Name = job.Name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return err
			}
			doc, err := p.signer.Sign(gctx, job.PDF, cred, job.Request)
			if err != nil {
				p.logger.WithField("job", job.Name).WithError(err).Error("Signing failed")
				results[i].Err = err
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return nil
			}
			results[i].Document = doc
			return nil
		})
	}

	err := g.Wait()
	for i := range results {
		if results[i].Document == nil && results[i].Err == nil {
			results[i].Err = err
		}
	}
	return results, err
}
