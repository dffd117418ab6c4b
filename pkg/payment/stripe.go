package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v82"

	"github.com/noah-isme/madrasah-billing-api/pkg/config"
)

// ErrNotConfigured is returned by every call when no secret key was supplied.
var ErrNotConfigured = errors.New("stripe client not configured")

// ErrUnexpectedLineItems signals a subscription that does not carry exactly one
// line item, so a single price override cannot be applied safely.
var ErrUnexpectedLineItems = errors.New("subscription must have exactly one line item")

// Subscription is the provider-side view of a recurring charge.
type Subscription struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
	Paused   bool
}

// UpdateParams describes a subscription change. Nil fields are left untouched.
type UpdateParams struct {
	Amount          *int64
	PauseCollection *bool
}

// StripeClient wraps the Stripe subscription endpoints the billing core needs.
type StripeClient struct {
	client   *stripe.Client
	currency string
}

// NewStripeClient builds a client. An empty secret key yields an unconfigured
// client whose Configured method reports false.
func NewStripeClient(cfg config.StripeConfig, currency string) *StripeClient {
	c := &StripeClient{currency: strings.ToLower(currency)}
	if cfg.SecretKey != "" {
		c.client = stripe.NewClient(cfg.SecretKey, nil)
	}
	return c
}

// Configured reports whether provider calls can be made.
func (c *StripeClient) Configured() bool {
	return c != nil && c.client != nil
}

// Retrieve fetches a subscription with its line item prices.
func (c *StripeClient) Retrieve(ctx context.Context, id string) (*Subscription, error) {
	sub, err := c.retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

func (c *StripeClient) retrieve(ctx context.Context, id string) (*stripe.Subscription, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	params := &stripe.SubscriptionRetrieveParams{
		Expand: []*string{stripe.String("items.data.price.product")},
	}
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve stripe subscription %s: %w", id, err)
	}
	return sub, nil
}

// Update applies an amount override and/or a pause-collection toggle. Amount
// changes replace the single line item's price inline and never prorate.
func (c *StripeClient) Update(ctx context.Context, id string, in UpdateParams) (*Subscription, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var current *stripe.Subscription
	if in.Amount != nil {
		sub, err := c.retrieve(ctx, id)
		if err != nil {
			return nil, err
		}
		current = sub
	}

	params, err := buildUpdateParams(current, in, c.currency)
	if err != nil {
		return nil, fmt.Errorf("build stripe update for %s: %w", id, err)
	}

	sub, err := c.client.V1Subscriptions.Update(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("update stripe subscription %s: %w", id, err)
	}
	return toSubscription(sub), nil
}

// Cancel cancels the subscription immediately.
func (c *StripeClient) Cancel(ctx context.Context, id string) (*Subscription, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	sub, err := c.client.V1Subscriptions.Cancel(ctx, id, &stripe.SubscriptionCancelParams{})
	if err != nil {
		return nil, fmt.Errorf("cancel stripe subscription %s: %w", id, err)
	}
	return toSubscription(sub), nil
}

func buildUpdateParams(current *stripe.Subscription, in UpdateParams, fallbackCurrency string) (*stripe.SubscriptionUpdateParams, error) {
	params := &stripe.SubscriptionUpdateParams{}

	if in.Amount != nil {
		if current == nil || current.Items == nil || len(current.Items.Data) != 1 {
			return nil, ErrUnexpectedLineItems
		}
		item := current.Items.Data[0]
		if item.Price == nil || item.Price.Product == nil {
			return nil, fmt.Errorf("line item %s has no product", item.ID)
		}

		currency := fallbackCurrency
		if item.Price.Currency != "" {
			currency = string(item.Price.Currency)
		}
		priceData := &stripe.SubscriptionUpdateItemPriceDataParams{
			Currency:   stripe.String(currency),
			Product:    stripe.String(item.Price.Product.ID),
			UnitAmount: stripe.Int64(*in.Amount),
		}
		if item.Price.Recurring != nil {
			priceData.Recurring = &stripe.SubscriptionUpdateItemPriceDataRecurringParams{
				Interval:      stripe.String(string(item.Price.Recurring.Interval)),
				IntervalCount: stripe.Int64(lo.Max([]int64{item.Price.Recurring.IntervalCount, 1})),
			}
		}
		params.Items = []*stripe.SubscriptionUpdateItemParams{{
			ID:        stripe.String(item.ID),
			PriceData: priceData,
		}}
		params.ProrationBehavior = stripe.String("none")
	}

	if in.PauseCollection != nil {
		if *in.PauseCollection {
			params.PauseCollection = &stripe.SubscriptionUpdatePauseCollectionParams{
				Behavior: stripe.String("void"),
			}
		} else {
			params.AddExtra("pause_collection", "")
		}
	}

	return params, nil
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Currency: string(sub.Currency),
		Paused:   sub.PauseCollection != nil && sub.PauseCollection.Behavior != "",
	}
	if sub.Items != nil {
		out.Amount = lo.SumBy(sub.Items.Data, func(item *stripe.SubscriptionItem) int64 {
			if item == nil || item.Price == nil {
				return 0
			}
			return item.Price.UnitAmount * lo.Max([]int64{item.Quantity, 1})
		})
	}
	return out
}
