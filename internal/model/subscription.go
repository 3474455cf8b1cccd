package model

import "time"

// UserSubscription is a user's subscription row. StartsAt anchors the
// billing period arithmetic; Tier selects the tier config.
type UserSubscription struct {
	UserID               string    `db:"user_id" json:"user_id"`
	Tier                 string    `db:"tier" json:"tier"`
	StripeSubscriptionID *string   `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	StartsAt             time.Time `db:"starts_at" json:"starts_at"`
	EndsAt               time.Time `db:"ends_at" json:"ends_at"`
	Status               string    `db:"status" json:"status"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}
