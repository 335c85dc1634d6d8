package controllers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/farmmarket-backend/api/middleware"
	"github.com/angelmondragon/farmmarket-backend/api/responses"
	"github.com/angelmondragon/farmmarket-backend/api/validators"
	checkoutsvc "github.com/angelmondragon/farmmarket-backend/internal/checkout"
	"github.com/angelmondragon/farmmarket-backend/pkg/logger"
)

const idempotencyHeader = "Idempotency-Key"

type checkoutCartRequest struct {
	DeliveryAddress string `json:"delivery_address" validate:"max=500"`
}

type checkoutItemRequest struct {
	Quantity        int    `json:"quantity" validate:"required,min=1"`
	DeliveryAddress string `json:"delivery_address" validate:"max=500"`
}

// CheckoutCart turns the caller's whole cart into one order. The
// Idempotency-Key header doubles as the checkout token so a retried request
// replays the committed order even after the response cache expires.
func CheckoutCart(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyerID, _, err := middleware.Actor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload checkoutCartRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil && !isEmptyBody(err) {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.CheckoutCart(r.Context(), checkoutsvc.CartInput{
			BuyerID:         buyerID,
			DeliveryAddress: validators.SanitizeString(payload.DeliveryAddress, 500),
			Token:           strings.TrimSpace(r.Header.Get(idempotencyHeader)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, checkoutStatus(result), result)
	}
}

// CheckoutItem checks out part of a single cart line.
func CheckoutItem(svc checkoutsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyerID, _, err := middleware.Actor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		itemID, err := uuidParam(r, "itemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload checkoutItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.CheckoutItem(r.Context(), checkoutsvc.ItemInput{
			BuyerID:         buyerID,
			ItemID:          itemID,
			Quantity:        payload.Quantity,
			DeliveryAddress: validators.SanitizeString(payload.DeliveryAddress, 500),
			Token:           strings.TrimSpace(r.Header.Get(idempotencyHeader)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, checkoutStatus(result), result)
	}
}

func checkoutStatus(result *checkoutsvc.Result) int {
	if result.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// the cart checkout body is optional
func isEmptyBody(err error) bool {
	return errors.Is(err, io.EOF)
}
