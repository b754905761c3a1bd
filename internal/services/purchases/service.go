package purchases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/domain/model"
	pgrepo "github.com/vinasLT/carfax-service/internal/repo/postgres"
)

// RoutingKeyPaymentSuccess is the only payment event this service consumes.
const RoutingKeyPaymentSuccess = "payment.success.carfax"

// MinBalance is the provider balance a buy request must exceed.
const MinBalance = 1.0

var (
	ErrValidation          = errors.New("validation error")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrCheckoutUnavailable = errors.New("checkout link unavailable")
	ErrUnknownRoutingKey   = errors.New("unknown routing key")

	// Buy pre-check failures, mapped by every ingress adapter the same way.
	ErrInsufficientBalance = errors.New("insufficient provider balance")
	ErrVinNotFound         = errors.New("vin not found")
)

type PurchaseStore interface {
	Create(ctx context.Context, params pgrepo.PurchaseCreateParams) (model.Purchase, error)
	GetByID(ctx context.Context, purchaseID int64) (model.Purchase, error)
	FindByNaturalKey(ctx context.Context, userExternalID, source, vin string) (model.Purchase, error)
	FindAnyLinkedByVin(ctx context.Context, vin string) (model.Purchase, error)
	SetLink(ctx context.Context, purchaseID int64, link string) (model.Purchase, error)
	MarkPaid(ctx context.Context, purchaseID int64) (model.Purchase, error)
	FillProvenance(ctx context.Context, purchaseID int64, auction, lotID string) (model.Purchase, error)
	ListByUserOrdered(ctx context.Context, userExternalID, source string) ([]model.Purchase, error)
}

type ReportProvider interface {
	FetchReportLink(ctx context.Context, vin string) (string, error)
}

type CheckoutClient interface {
	CreateCheckoutLink(ctx context.Context, purposeExternalID, successURL, cancelURL, userExternalID, source string) (string, error)
}

// VinLocker serializes link resolution per VIN across concurrent units of
// work. Without it two purchases for the same fresh VIN marked paid at the
// same instant could both reach the provider, and the provider charges per
// fetch.
type VinLocker interface {
	Acquire(ctx context.Context, vin string) error
	Release(ctx context.Context, vin string) error
}

type Service struct {
	purchases PurchaseStore
	provider  ReportProvider
	checkout  CheckoutClient
	locks     VinLocker
	logger    *zap.Logger
}

type Dependencies struct {
	Purchases PurchaseStore
	Provider  ReportProvider
	Checkout  CheckoutClient
	Locks     VinLocker
	Logger    *zap.Logger
}

type BuyInput struct {
	UserExternalID string
	Source         string
	VIN            string
	Auction        string
	LotID          string
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		purchases: deps.Purchases,
		provider:  deps.Provider,
		checkout:  deps.Checkout,
		locks:     deps.Locks,
		logger:    log,
	}
}

// CreateOrGetPurchase finds the purchase for (user, source, vin) or creates
// it. Repeating the call never creates duplicates; auction and lot_id fill
// only empty fields, the first stored non-empty value wins.
func (s *Service) CreateOrGetPurchase(ctx context.Context, in BuyInput) (model.Purchase, error) {
	if s.purchases == nil {
		return model.Purchase{}, fmt.Errorf("purchase store is nil")
	}

	userExternalID := strings.TrimSpace(in.UserExternalID)
	source := strings.TrimSpace(in.Source)
	vin := normalizeVIN(in.VIN)
	if userExternalID == "" || source == "" || vin == "" {
		return model.Purchase{}, ErrValidation
	}

	existing, err := s.purchases.FindByNaturalKey(ctx, userExternalID, source, vin)
	if err != nil {
		if !errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return model.Purchase{}, err
		}
		return s.purchases.Create(ctx, pgrepo.PurchaseCreateParams{
			UserExternalID: userExternalID,
			Source:         source,
			VIN:            vin,
			Auction:        in.Auction,
			LotID:          in.LotID,
		})
	}

	auction := strings.TrimSpace(in.Auction)
	lotID := strings.TrimSpace(in.LotID)
	needsFill := (auction != "" && existing.Auction == "") || (lotID != "" && existing.LotID == "")
	if !needsFill {
		return existing, nil
	}

	return s.purchases.FillProvenance(ctx, existing.ID, auction, lotID)
}

// InitiatePurchaseWithCheckout runs the buy flow after the ingress adapter
// has verified balance and VIN existence. The purchase row survives a
// checkout failure so the buyer can simply retry.
func (s *Service) InitiatePurchaseWithCheckout(ctx context.Context, in BuyInput, successURL, cancelURL string) (model.Purchase, string, error) {
	if s.checkout == nil {
		return model.Purchase{}, "", fmt.Errorf("checkout client is nil")
	}

	purchase, err := s.CreateOrGetPurchase(ctx, in)
	if err != nil {
		return model.Purchase{}, "", err
	}

	link, err := s.checkout.CreateCheckoutLink(
		ctx,
		strconv.FormatInt(purchase.ID, 10),
		successURL,
		cancelURL,
		purchase.UserExternalID,
		purchase.Source,
	)
	if err != nil {
		s.logger.Error("checkout link creation failed",
			zap.Int64("purchase_id", purchase.ID),
			zap.String("vin", purchase.VIN),
			zap.Error(err),
		)
		return purchase, "", fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	return purchase, link, nil
}

// ResolveLink guarantees the purchase carries a report link, fetching from
// the provider only when no purchase for the VIN has one yet:
//  1. own link set -> return it unchanged;
//  2. any sibling row with the same VIN has a link -> adopt it, no fetch;
//  3. otherwise fetch once and persist.
// Steps 2-3 run under the per-VIN lock so concurrent calls for one VIN
// converge on a single provider fetch.
func (s *Service) ResolveLink(ctx context.Context, purchase model.Purchase) (model.Purchase, error) {
	if s.purchases == nil {
		return model.Purchase{}, fmt.Errorf("purchase store is nil")
	}
	if purchase.Link != "" {
		return purchase, nil
	}

	if s.locks != nil {
		if err := s.locks.Acquire(ctx, purchase.VIN); err != nil {
			return model.Purchase{}, fmt.Errorf("acquire vin lock for %s: %w", purchase.VIN, err)
		}
		defer func() {
			if err := s.locks.Release(ctx, purchase.VIN); err != nil {
				s.logger.Warn("release vin lock failed", zap.String("vin", purchase.VIN), zap.Error(err))
			}
		}()

		// Re-read under the lock: the previous holder may have resolved
		// this exact row already.
		fresh, err := s.purchases.GetByID(ctx, purchase.ID)
		if err != nil {
			if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
				return model.Purchase{}, ErrPurchaseNotFound
			}
			return model.Purchase{}, err
		}
		purchase = fresh
		if purchase.Link != "" {
			return purchase, nil
		}
	}

	donor, err := s.purchases.FindAnyLinkedByVin(ctx, purchase.VIN)
	if err == nil {
		return s.purchases.SetLink(ctx, purchase.ID, donor.Link)
	}
	if !errors.Is(err, pgrepo.ErrPurchaseNotFound) {
		return model.Purchase{}, err
	}

	if s.provider == nil {
		return model.Purchase{}, fmt.Errorf("report provider is nil")
	}
	link, err := s.provider.FetchReportLink(ctx, purchase.VIN)
	if err != nil {
		return model.Purchase{}, err
	}

	return s.purchases.SetLink(ctx, purchase.ID, link)
}

// MarkPaid finalizes a purchase after a confirmed payment. Safe to repeat:
// an already-paid purchase keeps its link and stays paid.
func (s *Service) MarkPaid(ctx context.Context, purchaseID int64) (model.Purchase, error) {
	if s.purchases == nil {
		return model.Purchase{}, fmt.Errorf("purchase store is nil")
	}
	if purchaseID <= 0 {
		return model.Purchase{}, ErrValidation
	}

	purchase, err := s.purchases.GetByID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, err
	}

	resolved, err := s.ResolveLink(ctx, purchase)
	if err != nil {
		return model.Purchase{}, err
	}

	if resolved.IsPaid {
		return resolved, nil
	}
	return s.purchases.MarkPaid(ctx, resolved.ID)
}

func (s *Service) ListForUser(ctx context.Context, userExternalID, source string) ([]model.Purchase, error) {
	if s.purchases == nil {
		return nil, fmt.Errorf("purchase store is nil")
	}
	userExternalID = strings.TrimSpace(userExternalID)
	source = strings.TrimSpace(source)
	if userExternalID == "" || source == "" {
		return nil, ErrValidation
	}

	return s.purchases.ListByUserOrdered(ctx, userExternalID, source)
}

// GetWithLinkForUser returns the user's purchase for the VIN, lazily
// resolving the link when the row is paid but still linkless.
func (s *Service) GetWithLinkForUser(ctx context.Context, userExternalID, source, vin string) (model.Purchase, error) {
	if s.purchases == nil {
		return model.Purchase{}, fmt.Errorf("purchase store is nil")
	}
	userExternalID = strings.TrimSpace(userExternalID)
	source = strings.TrimSpace(source)
	vin = normalizeVIN(vin)
	if userExternalID == "" || source == "" || vin == "" {
		return model.Purchase{}, ErrValidation
	}

	purchase, err := s.purchases.FindByNaturalKey(ctx, userExternalID, source, vin)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPurchaseNotFound) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, err
	}

	if purchase.IsPaid && purchase.Link == "" {
		return s.ResolveLink(ctx, purchase)
	}

	return purchase, nil
}

// HandlePaymentEvent is the single entry point for payment-success
// notifications, whether they arrive over the queue or the webhook. An
// unknown routing key fails loud; a non-numeric purpose id is logged and
// dropped without touching the store.
func (s *Service) HandlePaymentEvent(ctx context.Context, routingKey, userExternalID, purposeExternalID string) (model.Purchase, bool, error) {
	if routingKey != RoutingKeyPaymentSuccess {
		return model.Purchase{}, false, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, routingKey)
	}

	purchaseID, err := strconv.ParseInt(strings.TrimSpace(purposeExternalID), 10, 64)
	if err != nil || purchaseID <= 0 {
		s.logger.Error("payment event with non-numeric purpose external id dropped",
			zap.String("purpose_external_id", purposeExternalID),
			zap.String("user_external_id", userExternalID),
		)
		return model.Purchase{}, false, nil
	}

	purchase, err := s.MarkPaid(ctx, purchaseID)
	if err != nil {
		return model.Purchase{}, false, err
	}

	return purchase, true, nil
}

func normalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}
