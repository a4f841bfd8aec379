// Package identity is the thin client for the external identity
// service. Only user existence is consumed by fulfillment.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type Client struct {
	log     *slog.Logger
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

func NewClient(log *slog.Logger, baseURL string) *Client {
	return &Client{
		log:     log,
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		tracer: otel.Tracer("identity-client"),
	}
}

func (c *Client) Exists(ctx context.Context, userID string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "UserExists", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/users/%s", c.baseURL, userID), nil)
	if err != nil {
		return false, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		err := fmt.Errorf("identity service returned %s", resp.Status)
		span.RecordError(err)
		return false, err
	}
}
