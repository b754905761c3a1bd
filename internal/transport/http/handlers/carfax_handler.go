package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/clients/carfax"
	"github.com/vinasLT/carfax-service/internal/services/identity"
	purchasesvc "github.com/vinasLT/carfax-service/internal/services/purchases"
	"github.com/vinasLT/carfax-service/internal/transport/http/dto"
	httperrors "github.com/vinasLT/carfax-service/internal/transport/http/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ReportAPI covers the provider pre-checks the buy flow runs before any
// purchase row is created.
type ReportAPI interface {
	CheckBalance(ctx context.Context) (float64, error)
	VinExists(ctx context.Context, vin string) (bool, error)
}

type CarfaxHandler struct {
	purchases *purchasesvc.Service
	reportAPI ReportAPI
	logger    *zap.Logger
}

func NewCarfaxHandler(purchases *purchasesvc.Service, reportAPI ReportAPI, log *zap.Logger) *CarfaxHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CarfaxHandler{
		purchases: purchases,
		reportAPI: reportAPI,
		logger:    log,
	}
}

func (h *CarfaxHandler) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "buyer identity is required")
		return
	}
	if h.purchases == nil || h.reportAPI == nil {
		writeInternal(w, "SERVICE_UNAVAILABLE", "carfax service is unavailable")
		return
	}

	var req dto.BuyCarfaxRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if strings.TrimSpace(req.VIN) == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "vin is required")
		return
	}

	balance, err := h.reportAPI.CheckBalance(r.Context())
	if err != nil {
		h.logger.Error("balance check failed", zap.String("vin", req.VIN), zap.Error(err))
		h.writeUpstreamError(w, err)
		return
	}
	if balance <= purchasesvc.MinBalance {
		h.logger.Error("insufficient carfax balance", zap.Float64("balance", balance))
		writeBadRequest(w, "INSUFFICIENT_BALANCE", "no carfaxes left, admin needs to top up the account")
		return
	}

	exists, err := h.reportAPI.VinExists(r.Context(), req.VIN)
	if err != nil {
		h.logger.Error("vin existence check failed", zap.String("vin", req.VIN), zap.Error(err))
		h.writeUpstreamError(w, err)
		return
	}
	if !exists {
		httperrors.Write(w, http.StatusNotFound, httperrors.APIError{
			Code:    "VIN_NOT_FOUND",
			Message: "VIN not found",
		})
		return
	}

	purchase, checkoutLink, err := h.purchases.InitiatePurchaseWithCheckout(r.Context(), purchasesvc.BuyInput{
		UserExternalID: id.UserExternalID,
		Source:         id.Source,
		VIN:            req.VIN,
		Auction:        req.Auction,
		LotID:          req.LotID,
	}, req.SuccessURL, req.CancelURL)
	if err != nil {
		switch {
		case errors.Is(err, purchasesvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid buy payload")
		case errors.Is(err, purchasesvc.ErrCheckoutUnavailable):
			httperrors.Write(w, http.StatusBadGateway, httperrors.APIError{
				Code:    "CHECKOUT_UNAVAILABLE",
				Message: "payment service failed to issue a checkout link",
			})
		default:
			h.logger.Error("buy carfax failed", zap.String("vin", req.VIN), zap.Error(err))
			writeInternal(w, "INTERNAL_ERROR", "failed to process buy request")
		}
		return
	}

	h.logger.Info("carfax purchase initiated",
		zap.Int64("purchase_id", purchase.ID),
		zap.String("vin", purchase.VIN),
		zap.String("user_external_id", purchase.UserExternalID),
	)

	httperrors.Write(w, http.StatusOK, dto.BuyCarfaxResponse{
		Carfax:       dto.FromModel(purchase),
		CheckoutLink: checkoutLink,
	})
}

// Webhook handles the payment service's direct success callback. It routes
// through the same payment-event path as the queue consumer.
func (h *CarfaxHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.purchases == nil {
		writeInternal(w, "SERVICE_UNAVAILABLE", "carfax service is unavailable")
		return
	}

	var req dto.PaymentWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	// The routing key is the event discriminator; a missing one is as
	// unroutable as a wrong one.
	purchase, processed, err := h.purchases.HandlePaymentEvent(r.Context(), req.RoutingKey, req.UserExternalID, req.PurposeExternalID)
	if err != nil {
		switch {
		case errors.Is(err, purchasesvc.ErrUnknownRoutingKey):
			writeBadRequest(w, "UNKNOWN_ROUTING_KEY", "unsupported payment event routing key")
		case errors.Is(err, purchasesvc.ErrPurchaseNotFound):
			httperrors.Write(w, http.StatusNotFound, httperrors.APIError{
				Code:    "PURCHASE_NOT_FOUND",
				Message: "purchase not found",
			})
		default:
			h.logger.Error("payment webhook failed",
				zap.String("purpose_external_id", req.PurposeExternalID),
				zap.Error(err),
			)
			writeInternal(w, "INTERNAL_ERROR", "failed to process payment webhook")
		}
		return
	}

	resp := dto.PaymentWebhookResponse{OK: true, Processed: processed}
	if processed {
		resp.PurchaseID = purchase.ID
		resp.Link = purchase.Link
	}
	httperrors.Write(w, http.StatusOK, resp)
}

func (h *CarfaxHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "buyer identity is required")
		return
	}
	if h.purchases == nil {
		writeInternal(w, "SERVICE_UNAVAILABLE", "carfax service is unavailable")
		return
	}

	purchases, err := h.purchases.ListForUser(r.Context(), id.UserExternalID, id.Source)
	if err != nil {
		h.logger.Error("list carfaxes failed", zap.String("user_external_id", id.UserExternalID), zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "failed to list purchases")
		return
	}

	limit, offset := pagination(r)
	total := len(purchases)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	httperrors.Write(w, http.StatusOK, dto.CarfaxListResponse{
		Items:  dto.FromModels(purchases[offset:end]),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *CarfaxHandler) GetByVin(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "buyer identity is required")
		return
	}
	if h.purchases == nil {
		writeInternal(w, "SERVICE_UNAVAILABLE", "carfax service is unavailable")
		return
	}

	vin := chi.URLParam(r, "vin")
	purchase, err := h.purchases.GetWithLinkForUser(r.Context(), id.UserExternalID, id.Source, vin)
	if err != nil {
		switch {
		case errors.Is(err, purchasesvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid vin")
		case errors.Is(err, purchasesvc.ErrPurchaseNotFound):
			httperrors.Write(w, http.StatusNotFound, httperrors.APIError{
				Code:    "PURCHASE_NOT_FOUND",
				Message: "no purchase for this VIN",
			})
		default:
			h.logger.Error("get carfax by vin failed", zap.String("vin", vin), zap.Error(err))
			writeInternal(w, "INTERNAL_ERROR", "failed to load purchase")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.FromModel(purchase))
}

func (h *CarfaxHandler) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, carfax.ErrUpstreamRejected) {
		writeBadRequest(w, "UPSTREAM_REJECTED", "report provider rejected the request")
		return
	}
	httperrors.Write(w, http.StatusBadGateway, httperrors.APIError{
		Code:    "UPSTREAM_ERROR",
		Message: "report provider is unavailable",
	})
}

func pagination(r *http.Request) (int, int) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
