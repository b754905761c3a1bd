package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vinasLT/carfax-service/internal/domain/model"
)

var ErrPurchaseNotFound = errors.New("purchase not found")

const purchaseColumns = "id, user_external_id, source, vin, link, is_paid, auction, lot_id, created_at"

type PurchaseRepo struct {
	pool *pgxpool.Pool
}

type PurchaseCreateParams struct {
	UserExternalID string
	Source         string
	VIN            string
	Auction        string
	LotID          string
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

func (r *PurchaseRepo) Create(ctx context.Context, params PurchaseCreateParams) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	userExternalID := strings.TrimSpace(params.UserExternalID)
	source := strings.TrimSpace(params.Source)
	vin := normalizeVIN(params.VIN)
	if userExternalID == "" || source == "" || vin == "" {
		return model.Purchase{}, fmt.Errorf("invalid purchase create payload")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
INSERT INTO carfax_purchases (
	user_external_id,
	source,
	vin,
	link,
	is_paid,
	auction,
	lot_id,
	created_at
) VALUES ($1, $2, $3, NULL, FALSE, NULLIF($4, ''), NULLIF($5, ''), NOW())
RETURNING `+purchaseColumns+`
`, userExternalID, source, vin, strings.TrimSpace(params.Auction), strings.TrimSpace(params.LotID)))
	if err != nil {
		return model.Purchase{}, fmt.Errorf("create purchase: %w", err)
	}

	return purchase, nil
}

func (r *PurchaseRepo) GetByID(ctx context.Context, purchaseID int64) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return model.Purchase{}, fmt.Errorf("invalid purchase id")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM carfax_purchases
WHERE id = $1
LIMIT 1
`, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("find purchase by id: %w", err)
	}

	return purchase, nil
}

func (r *PurchaseRepo) FindByNaturalKey(ctx context.Context, userExternalID, source, vin string) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	userExternalID = strings.TrimSpace(userExternalID)
	source = strings.TrimSpace(source)
	vin = normalizeVIN(vin)
	if userExternalID == "" || source == "" || vin == "" {
		return model.Purchase{}, fmt.Errorf("invalid purchase lookup payload")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM carfax_purchases
WHERE user_external_id = $1
  AND source = $2
  AND vin = $3
LIMIT 1
`, userExternalID, source, vin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("find purchase by natural key: %w", err)
	}

	return purchase, nil
}

// FindAnyLinkedByVin returns any purchase for the VIN that already carries a
// report link, regardless of owner or source. Used only for link dedup.
func (r *PurchaseRepo) FindAnyLinkedByVin(ctx context.Context, vin string) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	vin = normalizeVIN(vin)
	if vin == "" {
		return model.Purchase{}, fmt.Errorf("vin is required")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM carfax_purchases
WHERE vin = $1
  AND link IS NOT NULL
  AND link <> ''
ORDER BY id
LIMIT 1
`, vin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("find linked purchase by vin: %w", err)
	}

	return purchase, nil
}

func (r *PurchaseRepo) SetLink(ctx context.Context, purchaseID int64, link string) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	link = strings.TrimSpace(link)
	if purchaseID <= 0 || link == "" {
		return model.Purchase{}, fmt.Errorf("invalid set link payload")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE carfax_purchases
SET link = $2
WHERE id = $1
RETURNING `+purchaseColumns+`
`, purchaseID, link))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("set purchase link: %w", err)
	}

	return purchase, nil
}

// MarkPaid flips is_paid to true. The update is unconditional on the flag, so
// repeating it is a no-op rather than an error.
func (r *PurchaseRepo) MarkPaid(ctx context.Context, purchaseID int64) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return model.Purchase{}, fmt.Errorf("invalid purchase id")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE carfax_purchases
SET is_paid = TRUE
WHERE id = $1
RETURNING `+purchaseColumns+`
`, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("mark purchase paid: %w", err)
	}

	return purchase, nil
}

// FillProvenance sets auction and lot_id only where they are still empty.
// Stored non-empty values always win over the incoming ones.
func (r *PurchaseRepo) FillProvenance(ctx context.Context, purchaseID int64, auction, lotID string) (model.Purchase, error) {
	if r.pool == nil {
		return model.Purchase{}, fmt.Errorf("postgres pool is nil")
	}
	if purchaseID <= 0 {
		return model.Purchase{}, fmt.Errorf("invalid purchase id")
	}

	purchase, err := scanPurchase(r.pool.QueryRow(ctx, `
UPDATE carfax_purchases
SET
	auction = COALESCE(NULLIF(auction, ''), NULLIF($2, '')),
	lot_id = COALESCE(NULLIF(lot_id, ''), NULLIF($3, ''))
WHERE id = $1
RETURNING `+purchaseColumns+`
`, purchaseID, strings.TrimSpace(auction), strings.TrimSpace(lotID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, ErrPurchaseNotFound
		}
		return model.Purchase{}, fmt.Errorf("fill purchase provenance: %w", err)
	}

	return purchase, nil
}

func (r *PurchaseRepo) ListByUserOrdered(ctx context.Context, userExternalID, source string) ([]model.Purchase, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	userExternalID = strings.TrimSpace(userExternalID)
	source = strings.TrimSpace(source)
	if userExternalID == "" || source == "" {
		return nil, fmt.Errorf("invalid purchase list payload")
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+purchaseColumns+`
FROM carfax_purchases
WHERE user_external_id = $1
  AND source = $2
ORDER BY created_at DESC
`, userExternalID, source)
	if err != nil {
		return nil, fmt.Errorf("list purchases for user: %w", err)
	}
	defer rows.Close()

	purchases := make([]model.Purchase, 0)
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase row: %w", err)
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchase rows: %w", err)
	}

	return purchases, nil
}

func scanPurchase(row pgx.Row) (model.Purchase, error) {
	var (
		purchase model.Purchase
		link     *string
		auction  *string
		lotID    *string
	)
	if err := row.Scan(
		&purchase.ID,
		&purchase.UserExternalID,
		&purchase.Source,
		&purchase.VIN,
		&link,
		&purchase.IsPaid,
		&auction,
		&lotID,
		&purchase.CreatedAt,
	); err != nil {
		return model.Purchase{}, err
	}
	purchase.Link = derefString(link)
	purchase.Auction = derefString(auction)
	purchase.LotID = derefString(lotID)
	return purchase, nil
}

func normalizeVIN(vin string) string {
	return strings.ToUpper(strings.TrimSpace(vin))
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
