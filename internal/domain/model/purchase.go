package model

import "time"

// Purchase is one user's intent or completion of buying a vehicle history
// report for a VIN. The link stays empty until the report is resolved; once
// any purchase for a VIN holds a link, siblings adopt it instead of
// triggering another provider fetch.
type Purchase struct {
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
