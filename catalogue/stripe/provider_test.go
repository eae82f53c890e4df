package stripe_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cpd-engine/catalogue"
	"github.com/warp/cpd-engine/catalogue/stripe"
)

type fakeProducts struct {
	last *stripego.ProductParams
	err  error
}

func (f *fakeProducts) New(params *stripego.ProductParams) (*stripego.Product, error) {
	f.last = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripego.Product{ID: "prod_123"}, nil
}

type fakePrices struct {
	created *stripego.PriceParams
	updated map[string]*stripego.PriceParams
	err     error
}

func (f *fakePrices) New(params *stripego.PriceParams) (*stripego.Price, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripego.Price{ID: "price_456"}, nil
}

func (f *fakePrices) Update(id string, params *stripego.PriceParams) (*stripego.Price, error) {
	if f.updated == nil {
		f.updated = make(map[string]*stripego.PriceParams)
	}
	f.updated[id] = params
	return &stripego.Price{ID: id}, f.err
}

func TestEnsureProduct(t *testing.T) {
	products := &fakeProducts{}
	p := stripe.NewWithAPIs(products, &fakePrices{})

	id, err := p.EnsureProduct(context.Background(), catalogue.Course{ID: "c1", Title: "Ethics"}, "product:c1")
	require.NoError(t, err)

	assert.Equal(t, "prod_123", id)
	assert.Equal(t, "Ethics", *products.last.Name)
	assert.Equal(t, "product:c1", *products.last.IdempotencyKey)
	assert.Equal(t, "c1", products.last.Metadata["course_id"])
}

func TestCreatePrice(t *testing.T) {
	prices := &fakePrices{}
	p := stripe.NewWithAPIs(&fakeProducts{}, prices)

	id, err := p.CreatePrice(context.Background(), catalogue.PriceParams{
		ProductID:      "prod_123",
		CourseID:       "c1",
		VariantID:      "v1",
		AmountPence:    catalogue.ToPence(decimal.RequireFromString("99.50")),
		Currency:       "gbp",
		IdempotencyKey: "price:v1:9950",
	})
	require.NoError(t, err)

	assert.Equal(t, "price_456", id)
	assert.Equal(t, int64(9950), *prices.created.UnitAmount)
	assert.Equal(t, "gbp", *prices.created.Currency)
	assert.Equal(t, "price:v1:9950", *prices.created.IdempotencyKey)
	assert.Equal(t, "c1", prices.created.Metadata["course_id"])
	assert.Equal(t, "v1", prices.created.Metadata["variant_id"])
}

func TestCreatePrice_FlatCoursePriceHasNoVariantMetadata(t *testing.T) {
	prices := &fakePrices{}
	p := stripe.NewWithAPIs(&fakeProducts{}, prices)

	_, err := p.CreatePrice(context.Background(), catalogue.PriceParams{
		ProductID:      "prod_123",
		CourseID:       "c1",
		AmountPence:    5000,
		Currency:       "gbp",
		IdempotencyKey: "price:c1:5000",
	})
	require.NoError(t, err)

	assert.Equal(t, "c1", prices.created.Metadata["course_id"])
	assert.NotContains(t, prices.created.Metadata, "variant_id")
}

func TestArchivePrice(t *testing.T) {
	prices := &fakePrices{}
	p := stripe.NewWithAPIs(&fakeProducts{}, prices)

	require.NoError(t, p.ArchivePrice(context.Background(), "price_old"))
	require.Contains(t, prices.updated, "price_old")
	assert.False(t, *prices.updated["price_old"].Active)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"invalid request", &stripego.Error{Type: stripego.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest, Msg: "No such product"}, false},
		{"rate limited", &stripego.Error{Type: stripego.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"api error", &stripego.Error{Type: stripego.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError}, true},
		{"idempotency", &stripego.Error{Type: stripego.ErrorTypeIdempotency, HTTPStatusCode: http.StatusBadRequest}, false},
		{"transport", errors.New("dial tcp: i/o timeout"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := stripe.NewWithAPIs(&fakeProducts{}, &fakePrices{err: c.err})

			_, err := p.CreatePrice(context.Background(), catalogue.PriceParams{ProductID: "p", Currency: "gbp", AmountPence: 100})

			var pe *catalogue.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, c.retryable, pe.Retryable)
			assert.Equal(t, c.retryable, catalogue.Retryable(err))
			assert.ErrorIs(t, err, catalogue.ErrProvider)
		})
	}
}
