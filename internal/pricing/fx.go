package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrExchangeRateUnavailable means no trustworthy USDT/KRW rate exists right
// now. Callers must refuse the capital-touching operation, never substitute.
var ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")

// fxFreshFor bounds how long a fetched rate may be reused. Within the window
// the rate is considered live; past it the service re-fetches or fails hard.
const fxFreshFor = 5 * time.Minute

// FXService resolves the USDT↔KRW rate from an external quote API.
type FXService struct {
	client *resty.Client
	url    string

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
	now       func() time.Time
}

// NewFXService builds the service against the configured quote endpoint.
func NewFXService(url string, timeout time.Duration) *FXService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FXService{
		client: resty.New().SetTimeout(timeout).SetRetryCount(2),
		url:    url,
		now:    time.Now,
	}
}

type fxResponse struct {
	Rates map[string]float64 `json:"rates"`
}

// USDTKRWRate returns the current rate or ErrExchangeRateUnavailable.
// It never returns a rate older than the freshness window.
func (s *FXService) USDTKRWRate(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rate > 0 && s.now().Sub(s.fetchedAt) < fxFreshFor {
		return s.rate, nil
	}

	var body fxResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.url)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExchangeRateUnavailable, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("%w: quote API status %d", ErrExchangeRateUnavailable, resp.StatusCode())
	}
	rate, ok := body.Rates["KRW"]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: no KRW rate in response", ErrExchangeRateUnavailable)
	}

	s.rate = rate
	s.fetchedAt = s.now()
	return rate, nil
}
