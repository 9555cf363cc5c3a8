package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kbforge/kbforge/pkg/config"
	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

// Backoff returns the retry delay for the n-th attempt: the base delay
// doubling per attempt, jittered ±20%, capped at the configured maximum.
func Backoff(cfg *config.PipelineConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.RetryBaseBackoff
	policy.MaxInterval = cfg.RetryMaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

// retryDelay prefers a source-indicated delay (rate limiting) over the
// computed backoff.
func retryDelay(cfg *config.PipelineConfig, attempt int, err error) time.Duration {
	if after := ports.RetryAfterOf(err); after > 0 {
		return after
	}
	return Backoff(cfg, attempt)
}

// failureClassFor maps the port error taxonomy onto the persisted class.
func failureClassFor(err error) models.FailureClass {
	switch ports.KindOf(err) {
	case ports.KindTransientIO, ports.KindRateLimited:
		return models.FailureTransient
	case ports.KindValidation:
		return models.FailureValidation
	}
	return models.FailurePermanent
}
