package domain

import (
	"math"
	"time"
)

const (
	// BaseXPRequired is the XP threshold for advancing from level 0 to level 1.
	BaseXPRequired = 700

	// ThresholdGrowth is the multiplier applied to the threshold on each
	// level-up. The result is ceiling-rounded after every multiplication,
	// so the threshold sequence is 700, 770, 847, 932, ...
	ThresholdGrowth = 1.1
)

// Progress holds a user's XP progression state
type Progress struct {
	UserID     string    `json:"user_id"`
	Level      int       `json:"level"`
	XP         float64   `json:"xp"`
	XPRequired float64   `json:"xp_required"`
	TotalXP    float64   `json:"total_xp"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewProgress returns the initial progression state for a user
func NewProgress(userID string) *Progress {
	return &Progress{
		UserID:     userID,
		Level:      0,
		XP:         0,
		XPRequired: BaseXPRequired,
	}
}

// Hydrate fills in defaults for fields that were never written. Records
// created before progression existed have no threshold stored; they behave
// as a fresh level-0 record.
func (p *Progress) Hydrate() {
	if p.Level < 0 {
		p.Level = 0
	}
	if p.XP < 0 {
		p.XP = 0
	}
	if p.XPRequired <= 0 {
		p.XPRequired = BaseXPRequired
	}
}

// nextThreshold grows the XP threshold by 10%, ceiling-rounded. The
// growth is computed as *11/10 rather than *1.1: thresholds are always
// integral, and 700*1.1 in float64 is 770.0000000000001, which ceil
// would round up to a spurious 771.
func nextThreshold(required float64) float64 {
	return math.Ceil(required * 11 / 10)
}

// ValidateAmount checks that an XP delta is usable. Awards are always
// non-negative; negative, NaN and infinite values are rejected.
func ValidateAmount(amount float64) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	return nil
}

// Apply adds an XP amount to the progress and resolves any resulting
// level-ups. The threshold check uses >=, so landing exactly on the
// threshold levels up. Returns the number of levels gained.
func (p *Progress) Apply(amount float64) (int, error) {
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}

	p.XP += amount
	p.TotalXP += amount

	levels := 0
	for p.XP >= p.XPRequired {
		p.Level++
		p.XP -= p.XPRequired
		p.XPRequired = nextThreshold(p.XPRequired)
		levels++
	}

	return levels, nil
}
