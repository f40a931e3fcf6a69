package types

import (
	"time"

	"github.com/google/uuid"
)

// User holds onboarding identity plus the custodial addresses provisioned for
// it. WalletAddress and VaultAddress are set once by the provisioning flow and
// read-only afterwards.
type User struct {
	ID    uuid.UUID `json:"id"`
	Phone string    `json:"phone"`

	WalletAddress string `json:"wallet_address,omitempty"`
	VaultAddress  string `json:"vault_address,omitempty"`

	IdentityToken        string     `json:"-"`
	IdentityRefreshToken string     `json:"-"`
	IdentityTokenExpiry  *time.Time `json:"-"`

	RewardTier   string `json:"reward_tier"`
	RewardPoints int64  `json:"reward_points"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provisioned reports whether the user can participate in executions.
func (u User) Provisioned() bool {
	return u.WalletAddress != "" && u.VaultAddress != ""
}
