package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atmx/strategy-vault/internal/model"
	"github.com/atmx/strategy-vault/internal/store"
)

// StoreSource reads definitions straight from the ledger store.
type StoreSource struct {
	r store.Reader
}

func NewStoreSource(r store.Reader) *StoreSource { return &StoreSource{r: r} }

func (s *StoreSource) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	st, err := s.r.GetStrategy(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, id)
	}
	return st, err
}

// CatalogClient reads definitions from the ledger API when the worker has
// no database access.
type CatalogClient struct {
	base string
	http *http.Client
}

// NewCatalogClient creates a client for the API rooted at base.
func NewCatalogClient(base string, timeout time.Duration) *CatalogClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CatalogClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *CatalogClient) GetStrategy(ctx context.Context, id int64) (*model.Strategy, error) {
	url := fmt.Sprintf("%s/api/v1/strategies/%d", c.base, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: get strategy %d: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, id)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("catalog: get strategy %d: status %d", id, resp.StatusCode)
	}

	var st model.Strategy
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("catalog: decode strategy %d: %w", id, err)
	}
	return &st, nil
}
