package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	pkgkafka "github.com/valenisgroo/reviews-service/pkg/kafka"
)

// TopicOrderCreated is published by the order service when an order is placed.
const TopicOrderCreated = "ecommerce.order.created"

// ConsumerGroupID is the default consumer group for the review service.
const ConsumerGroupID = "reviews-service"

// OrderPlaced is the canonical form of an order event, whatever shape it
// arrived in.
type OrderPlaced struct {
	OrderID    string
	UserID     string
	ProductIDs []string
}

// ReviewVerifier resolves the moderated reviews a purchase covers.
type ReviewVerifier interface {
	ProcessOrder(ctx context.Context, userID string, productIDs []string) (int, error)
}

// Consumer turns order events into purchase verifications.
type Consumer struct {
	verifier ReviewVerifier
	logger   *slog.Logger
}

// NewConsumer creates a new order event consumer.
func NewConsumer(verifier ReviewVerifier, logger *slog.Logger) *Consumer {
	return &Consumer{
		verifier: verifier,
		logger:   logger,
	}
}

// HandleOrderCreated verifies the buyer's moderated reviews for every product
// in the order. Payloads that name no user or no products are dropped.
func (c *Consumer) HandleOrderCreated(ctx context.Context, event *pkgkafka.Event) error {
	order, err := ParseOrderPlaced(event.Data)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping unresolvable order event",
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	verified, err := c.verifier.ProcessOrder(ctx, order.UserID, order.ProductIDs)
	if err != nil {
		return fmt.Errorf("process order %s: %w", order.OrderID, err)
	}

	c.logger.InfoContext(ctx, "order event processed",
		slog.String("event_id", event.EventID),
		slog.String("order_id", order.OrderID),
		slog.String("user_id", order.UserID),
		slog.Int("products", len(order.ProductIDs)),
		slog.Int("reviews_verified", verified),
	)
	return nil
}

// ParseOrderPlaced extracts an OrderPlaced from raw. Each field is resolved by
// trying its strategies in order; the first one that yields a value wins.
func ParseOrderPlaced(raw []byte) (OrderPlaced, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return OrderPlaced{}, fmt.Errorf("decode order payload: %w", err)
	}

	body := firstBody(root)

	order := OrderPlaced{
		OrderID:    firstString(body, orderIDKeys),
		UserID:     firstString(body, userIDKeys),
		ProductIDs: firstProducts(body),
	}
	if order.UserID == "" {
		return OrderPlaced{}, fmt.Errorf("order payload has no user id")
	}
	if len(order.ProductIDs) == 0 {
		return OrderPlaced{}, fmt.Errorf("order payload has no product ids")
	}
	return order, nil
}

var (
	userIDKeys  = []string{"userId", "user_id"}
	orderIDKeys = []string{"orderId", "order_id", "id"}
)

// bodyStrategies locate the object carrying the order fields.
var bodyStrategies = []func(map[string]any) (map[string]any, bool){
	func(root map[string]any) (map[string]any, bool) {
		m, ok := root["message"].(map[string]any)
		return m, ok
	},
	func(root map[string]any) (map[string]any, bool) {
		return root, true
	},
}

// productStrategies read the purchased product ids.
var productStrategies = []func(map[string]any) []string{
	objectListIDs("articles", "articleId", "article_id", "id"),
	scalarListIDs("productIds"),
	scalarListIDs("product_ids"),
	objectListIDs("items", "product_id", "productId"),
}

func firstBody(root map[string]any) map[string]any {
	for _, strategy := range bodyStrategies {
		if body, ok := strategy(root); ok {
			return body
		}
	}
	return root
}

func firstString(body map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := idString(body[k]); ok {
			return s
		}
	}
	return ""
}

func firstProducts(body map[string]any) []string {
	for _, strategy := range productStrategies {
		if ids := strategy(body); len(ids) > 0 {
			return ids
		}
	}
	return nil
}

func scalarListIDs(key string) func(map[string]any) []string {
	return func(body map[string]any) []string {
		list, _ := body[key].([]any)
		var ids []string
		for _, v := range list {
			if s, ok := idString(v); ok {
				ids = appendUnique(ids, s)
			}
		}
		return ids
	}
}

func objectListIDs(key string, idKeys ...string) func(map[string]any) []string {
	return func(body map[string]any) []string {
		list, _ := body[key].([]any)
		var ids []string
		for _, v := range list {
			obj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if s := firstString(obj, idKeys); s != "" {
				ids = appendUnique(ids, s)
			}
		}
		return ids
	}
}

// idString accepts string and numeric identifiers.
func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
