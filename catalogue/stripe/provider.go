/*
Package stripe implements catalogue.Provider on Stripe products and prices.

PURPOSE:
  Maps the catalogue's product/price contract onto stripe-go. Prices are
  created with idempotency keys and retired with active=false; Stripe
  never allows a price amount to change in place.

ERROR CLASSIFICATION:
  invalid_request_error, card_error, idempotency_error -> not retryable
  api_error, HTTP 429, HTTP 5xx, connection failures  -> retryable

SEE ALSO:
  - catalogue/sync.go: Retries and pacing
  - billing/subscriptions.go: Subscription lookups on the same client
*/
package stripe

import (
	"context"
	"errors"
	"net/http"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/warp/cpd-engine/catalogue"
)

// ProductAPI is the subset of the Stripe products client used here.
type ProductAPI interface {
	New(params *stripego.ProductParams) (*stripego.Product, error)
}

// PriceAPI is the subset of the Stripe prices client used here.
type PriceAPI interface {
	New(params *stripego.PriceParams) (*stripego.Price, error)
	Update(id string, params *stripego.PriceParams) (*stripego.Price, error)
}

type Provider struct {
	products ProductAPI
	prices   PriceAPI
}

// New builds a Provider on a Stripe API client.
func New(sc *client.API) *Provider {
	return &Provider{products: sc.Products, prices: sc.Prices}
}

// NewWithAPIs builds a Provider on explicit clients (tests, stripe-mock).
func NewWithAPIs(products ProductAPI, prices PriceAPI) *Provider {
	return &Provider{products: products, prices: prices}
}

var _ catalogue.Provider = (*Provider)(nil)

func (p *Provider) EnsureProduct(ctx context.Context, c catalogue.Course, idempotencyKey string) (string, error) {
	params := &stripego.ProductParams{
		Name: stripego.String(c.Title),
	}
	if c.Description != "" {
		params.Description = stripego.String(c.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("course_id", string(c.ID))

	prod, err := p.products.New(params)
	if err != nil {
		return "", Classify("create product", err)
	}
	return prod.ID, nil
}

func (p *Provider) CreatePrice(ctx context.Context, in catalogue.PriceParams) (string, error) {
	params := &stripego.PriceParams{
		Product:    stripego.String(in.ProductID),
		Currency:   stripego.String(in.Currency),
		UnitAmount: stripego.Int64(in.AmountPence),
		Nickname:   stripego.String(in.Nickname),
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.AddMetadata("course_id", in.CourseID)
	if in.VariantID != "" {
		params.AddMetadata("variant_id", in.VariantID)
	}

	price, err := p.prices.New(params)
	if err != nil {
		return "", Classify("create price", err)
	}
	return price.ID, nil
}

func (p *Provider) ArchivePrice(ctx context.Context, priceID string) error {
	params := &stripego.PriceParams{Active: stripego.Bool(false)}
	params.Context = ctx
	if _, err := p.prices.Update(priceID, params); err != nil {
		return Classify("archive price", err)
	}
	return nil
}

// Classify converts a stripe-go error into a catalogue.ProviderError.
func Classify(op string, err error) error {
	var se *stripego.Error
	if !errors.As(err, &se) {
		// Transport failure before Stripe answered.
		return &catalogue.ProviderError{Op: op, Retryable: true, Err: err}
	}
	return &catalogue.ProviderError{
		Op:        op,
		Code:      string(se.Code),
		Message:   se.Msg,
		Status:    se.HTTPStatusCode,
		Retryable: retryable(se),
		Err:       err,
	}
}

func retryable(se *stripego.Error) bool {
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests:
		return true
	case se.HTTPStatusCode >= 500:
		return true
	case se.Type == stripego.ErrorTypeAPI:
		return true
	}
	return false
}
