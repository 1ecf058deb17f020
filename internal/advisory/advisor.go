// Package advisory asks an external model for recommendations about a report.
package advisory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"smartarb-advisor/internal/config"
	apperrors "smartarb-advisor/internal/errors"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/security"
	"smartarb-advisor/internal/telemetry"
	"smartarb-advisor/pkg/utils"
)

// Advisor turns a report into parsed recommendations.
type Advisor struct {
	completer   Completer
	model       string
	timeout     time.Duration
	limiter     *rate.Limiter
	trustedRoot string
	logger      zerolog.Logger
}

// New creates an Advisor. Requests are paced to cfg.RequestsPerMinute.
func New(completer Completer, cfg config.AdvisoryConfig, trustedRoot string, logger zerolog.Logger) *Advisor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	if trustedRoot == "" {
		trustedRoot = security.DefaultTrustedRoot
	}
	return &Advisor{
		completer:   completer,
		model:       cfg.Model,
		timeout:     timeout,
		limiter:     rate.NewLimiter(limit, 1),
		trustedRoot: trustedRoot,
		logger:      logger.With().Str("component", "advisory").Str("model", cfg.Model).Logger(),
	}
}

// Request sends the report to the advisory service. A failed call returns
// an error wrapping ErrAdvisoryUnavailable; an unusable response returns an
// empty list and an error wrapping ErrMalformedAdvisoryResponse. Neither is
// retried here.
func (a *Advisor) Request(ctx context.Context, report *models.Report, focus string) ([]models.Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.limiter.Wait(ctx); err != nil {
		telemetry.ObserveAdvisory(0, "throttled")
		a.logger.Warn().Err(err).Msg("advisory request not sent")
		return nil, apperrors.NewUnavailableError(a.model, "rate limit", err)
	}

	userPrompt, err := UserPrompt(report, focus)
	if err != nil {
		return nil, apperrors.NewUnavailableError(a.model, "prompt", err)
	}

	start := time.Now()
	text, err := a.completer.CompleteWithSystem(ctx, SystemPrompt(a.trustedRoot), userPrompt)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(apperrors.ErrTimeout, err)
		}
		telemetry.ObserveAdvisory(elapsed, "unavailable")
		a.logger.Error().Err(err).Dur("duration", elapsed).Msg("advisory request failed")
		return nil, apperrors.NewUnavailableError(a.model, "complete", err)
	}

	parsed, err := Parse(text)
	if err != nil {
		telemetry.ObserveAdvisory(elapsed, "malformed")
		a.logger.Warn().
			Err(err).
			Str("response", security.MaskSensitive(utils.Truncate(text, 500))).
			Msg("malformed advisory response")
		return []models.Recommendation{}, apperrors.NewMalformedError(a.model, "parse", err)
	}

	for _, d := range parsed.Dropped {
		a.logger.Warn().Int("index", d.Index).Err(d.Err).Msg("dropping advisory entry")
	}
	telemetry.ObserveAdvisory(elapsed, "ok")
	telemetry.RecordRecommendations(telemetry.OutcomeDropped, len(parsed.Dropped))

	a.logger.Info().
		Int("recommendations", len(parsed.Recommendations)).
		Int("dropped", len(parsed.Dropped)).
		Dur("duration", elapsed).
		Msg("advisory response parsed")
	return parsed.Recommendations, nil
}
