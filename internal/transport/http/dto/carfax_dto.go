package dto

import (
	"time"

	"github.com/vinasLT/carfax-service/internal/domain/model"
)

type BuyCarfaxRequest struct {
	VIN        string `json:"vin"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	Auction    string `json:"auction,omitempty"`
	LotID      string `json:"lot_id,omitempty"`
}

type CarfaxPurchase struct {
	ID             int64     `json:"id"`
	UserExternalID string    `json:"user_external_id"`
	Source         string    `json:"source"`
	VIN            string    `json:"vin"`
	Link           string    `json:"link,omitempty"`
	IsPaid         bool      `json:"is_paid"`
	Auction        string    `json:"auction,omitempty"`
	LotID          string    `json:"lot_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type BuyCarfaxResponse struct {
	Carfax       CarfaxPurchase `json:"carfax"`
	CheckoutLink string         `json:"checkout_link"`
}

type CarfaxListResponse struct {
	Items  []CarfaxPurchase `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type PaymentWebhookRequest struct {
	RoutingKey        string `json:"routing_key"`
	UserExternalID    string `json:"user_external_id"`
	PurposeExternalID string `json:"purpose_external_id"`
}

type PaymentWebhookResponse struct {
	OK         bool   `json:"ok"`
	Processed  bool   `json:"processed"`
	PurchaseID int64  `json:"purchase_id,omitempty"`
	Link       string `json:"link,omitempty"`
}

func FromModel(purchase model.Purchase) CarfaxPurchase {
	return CarfaxPurchase{
		ID:             purchase.ID,
		UserExternalID: purchase.UserExternalID,
		Source:         purchase.Source,
		VIN:            purchase.VIN,
		Link:           purchase.Link,
		IsPaid:         purchase.IsPaid,
		Auction:        purchase.Auction,
		LotID:          purchase.LotID,
		CreatedAt:      purchase.CreatedAt,
	}
}

func FromModels(purchases []model.Purchase) []CarfaxPurchase {
	items := make([]CarfaxPurchase, 0, len(purchases))
	for _, purchase := range purchases {
		items = append(items, FromModel(purchase))
	}
	return items
}
