package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/marketflow/signalbridge/internal/models"
)

// CircuitBreakerClient wraps an OrderAPI with circuit breaker functionality
// so a failing downstream order API cannot soak up the dispatcher's budget.
type CircuitBreakerClient struct {
	api     OrderAPI
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with sensible defaults.
func NewCircuitBreakerClient(api OrderAPI, logger *logrus.Logger) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(api, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings.
func NewCircuitBreakerClientWithSettings(api OrderAPI, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "OrderAPICircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerClient{
		api:     api,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerClient implements OrderAPI at compile time.
var _ OrderAPI = (*CircuitBreakerClient)(nil)

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// PlaceOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerClient) PlaceOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error) {
	return execBreaker(c.breaker, func() (*OrderResponse, error) { return c.api.PlaceOrder(ctx, payload) })
}

// PlaceSmartOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerClient) PlaceSmartOrder(ctx context.Context, payload OrderPayload) (*OrderResponse, error) {
	return execBreaker(c.breaker, func() (*OrderResponse, error) { return c.api.PlaceSmartOrder(ctx, payload) })
}

// SearchSymbols wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerClient) SearchSymbols(ctx context.Context, query, exchange string) ([]models.Instrument, error) {
	return execBreaker(c.breaker, func() ([]models.Instrument, error) { return c.api.SearchSymbols(ctx, query, exchange) })
}
