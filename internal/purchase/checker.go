// Package purchase asks the orders service whether a user bought a product.
package purchase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/valenisgroo/reviews-service/pkg/httpclient"
)

// Verdict is the outcome of a purchase check.
type Verdict int

const (
	// NotConfirmed means no qualifying order was found or the check failed.
	NotConfirmed Verdict = iota
	// Confirmed means a qualifying order contains the product.
	Confirmed
	// Tentative means the orders service could not be reached; the purchase
	// is assumed rather than proven.
	Tentative
)

func (v Verdict) String() string {
	switch v {
	case Confirmed:
		return "confirmed"
	case Tentative:
		return "tentative"
	default:
		return "not_confirmed"
	}
}

// Purchased reports whether the review may be accepted on this verdict.
func (v Verdict) Purchased() bool {
	return v == Confirmed || v == Tentative
}

// qualifyingStatuses are the order states that prove a purchase.
var qualifyingStatuses = []string{"validated", "payment_defined", "placed"}

type orderArticle struct {
	ArticleID string `json:"articleId"`
}

type order struct {
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Articles []orderArticle `json:"articles"`
}

// Config configures a Checker.
type Config struct {
	// BaseURL of the orders service, e.g. http://orders:3000.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// Checker queries the orders service through an httpclient.Doer, normally a
// circuit breaker wrapping a retrying client.
type Checker struct {
	client  httpclient.Doer
	baseURL string
	token   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a purchase checker.
func NewChecker(client httpclient.Doer, cfg Config, logger *slog.Logger) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		logger:  logger,
	}
}

// Check reports whether userID holds a qualifying order containing
// productID. When the orders service is unreachable the check fails open
// and returns Tentative.
func (c *Checker) Check(ctx context.Context, userID, productID string) Verdict {
	orders, err := c.fetchOrders(ctx, userID)
	if err != nil {
		if httpclient.IsUnreachable(err) {
			c.logger.WarnContext(ctx, "orders service unreachable, assuming purchase",
				slog.String("user_id", userID),
				slog.String("product_id", productID),
				slog.String("error", err.Error()),
			)
			return Tentative
		}
		c.logger.ErrorContext(ctx, "purchase check failed",
			slog.String("user_id", userID),
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
		return NotConfirmed
	}

	for _, o := range orders {
		if !slices.Contains(qualifyingStatuses, o.Status) {
			continue
		}
		for _, a := range o.Articles {
			if a.ArticleID == productID {
				c.logger.DebugContext(ctx, "purchase confirmed",
					slog.String("user_id", userID),
					slog.String("product_id", productID),
					slog.String("order_id", o.ID),
				)
				return Confirmed
			}
		}
	}
	return NotConfirmed
}

func (c *Checker) fetchOrders(ctx context.Context, userID string) ([]order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/orders/user/%s", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create orders request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get orders for user %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "orders")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read orders response: %w", err)
	}

	var orders []order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode orders response: %w", err)
	}
	return orders, nil
}
