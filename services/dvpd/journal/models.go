package journal

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Run is one recorded settlement run.
type Run struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Scenario   string    `gorm:"index;size:64"`
	Outcome    string    `gorm:"index;size:32"`
	Attention  bool      `gorm:"index"`
	Reasons    string    `gorm:"size:512"`
	Error      string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	Digest     string `gorm:"size:64;not null"`
	Report     string `gorm:"type:text;not null"`
	Legs       []Leg  `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
}

// AttentionReasons splits the stored reason list.
func (r Run) AttentionReasons() []string {
	if r.Reasons == "" {
		return nil
	}
	return strings.Split(r.Reasons, ",")
}

// Leg is one leg outcome of a recorded run.
type Leg struct {
	ID            uint   `gorm:"primaryKey"`
	RunID         string `gorm:"index;size:64;not null"`
	Bundle        int
	Label         string `gorm:"size:64"`
	Commitment    string `gorm:"index;size:66"`
	BundleOutcome string `gorm:"size:32"`
	Index         uint32
	Participant   string `gorm:"size:128"`
	Ledger        string `gorm:"index;size:64"`
	Kind          string `gorm:"size:32"`
	Asset         string `gorm:"size:42"`
	Recipient     string `gorm:"size:42"`
	AssetClass    string `gorm:"size:78"`
	Amount        string `gorm:"size:78"`
	TxHash        string `gorm:"size:66"`
	Status        string `gorm:"size:32"`
	Scheduled     bool
	Duplicate     bool
	Attention     bool
	Error         string `gorm:"type:text"`
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Run{}, &Leg{})
}
