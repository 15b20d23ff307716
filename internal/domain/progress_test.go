package domain

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestNewProgressDefaults(t *testing.T) {
	p := NewProgress("u1")
	if p.Level != 0 || p.XP != 0 || p.XPRequired != BaseXPRequired {
		t.Fatalf("unexpected initial state: level=%d xp=%v required=%v", p.Level, p.XP, p.XPRequired)
	}
}

func TestHydrateMatchesFreshRecord(t *testing.T) {
	// A record read from storage with no progression fields behaves
	// exactly like an explicitly initialized one
	stored := &Progress{UserID: "u1"}
	stored.Hydrate()

	fresh := NewProgress("u1")
	if stored.Level != fresh.Level || stored.XP != fresh.XP || stored.XPRequired != fresh.XPRequired {
		t.Fatalf("hydrated record %+v differs from fresh record %+v", stored, fresh)
	}

	levels, err := stored.Apply(700)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if levels != 1 || stored.Level != 1 {
		t.Fatalf("hydrated record did not level up: %+v", stored)
	}
}

func TestApplySingleLevelUp(t *testing.T) {
	p := NewProgress("u1")
	levels, err := p.Apply(700)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if levels != 1 {
		t.Fatalf("levels = %d, want 1", levels)
	}
	if p.Level != 1 || p.XP != 0 || p.XPRequired != 770 {
		t.Fatalf("got (%d, %v, %v), want (1, 0, 770)", p.Level, p.XP, p.XPRequired)
	}
}

func TestApplyMultiLevelCarryOver(t *testing.T) {
	// 1500 from a fresh record: 700 consumed for level 1, 770 of the
	// remaining 800 for level 2, leaving 30 against a threshold of 847
	p := NewProgress("u1")
	levels, err := p.Apply(1500)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if levels != 2 {
		t.Fatalf("levels = %d, want 2", levels)
	}
	if p.Level != 2 || p.XP != 30 || p.XPRequired != 847 {
		t.Fatalf("got (%d, %v, %v), want (2, 30, 847)", p.Level, p.XP, p.XPRequired)
	}
}

func TestThresholdSequence(t *testing.T) {
	// The threshold is ceiling-rounded after every multiplication, which
	// produces a different sequence than rounding 700*1.1^n once
	want := []float64{700, 770, 847, 932, 1026, 1129, 1242}

	p := NewProgress("u1")
	for i, threshold := range want {
		if p.XPRequired != threshold {
			t.Fatalf("level %d: threshold = %v, want %v", i, p.XPRequired, threshold)
		}
		if _, err := p.Apply(threshold); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if p.Level != i+1 || p.XP != 0 {
			t.Fatalf("after exact award: got (%d, %v), want (%d, 0)", p.Level, p.XP, i+1)
		}
	}
}

func TestApplyZeroIsNoOp(t *testing.T) {
	p := NewProgress("u1")
	if _, err := p.Apply(450); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := *p

	levels, err := p.Apply(0)
	if err != nil {
		t.Fatalf("apply zero: %v", err)
	}
	if levels != 0 {
		t.Fatalf("levels = %d, want 0", levels)
	}
	if *p != before {
		t.Fatalf("zero award changed state: %+v -> %+v", before, *p)
	}
}

func TestApplyRejectsInvalidAmounts(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
	}{
		{"negative", -10},
		{"nan", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProgress("u1")
			before := *p

			_, err := p.Apply(tt.amount)
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("err = %v, want ErrInvalidAmount", err)
			}
			if *p != before {
				t.Fatalf("rejected award changed state: %+v -> %+v", before, *p)
			}
		})
	}
}

func TestApplyFractionalAmount(t *testing.T) {
	p := NewProgress("u1")
	if _, err := p.Apply(0.5); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.XP != 0.5 || p.Level != 0 {
		t.Fatalf("got (%d, %v), want (0, 0.5)", p.Level, p.XP)
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	a := &Progress{UserID: "u1", Level: 3, XP: 120, XPRequired: 932}
	b := &Progress{UserID: "u1", Level: 3, XP: 120, XPRequired: 932}

	la, err := a.Apply(2500)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	lb, err := b.Apply(2500)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if la != lb || *a != *b {
		t.Fatalf("identical inputs diverged: %+v vs %+v", *a, *b)
	}
}

func TestReplayIsNotIdempotent(t *testing.T) {
	// Applying the same award twice advances twice; retries must not be
	// treated as no-ops
	once := NewProgress("u1")
	twice := NewProgress("u1")

	if _, err := once.Apply(450); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := twice.Apply(450); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := twice.Apply(450); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if twice.TotalXP != 2*once.TotalXP {
		t.Fatalf("total xp after replay = %v, want %v", twice.TotalXP, 2*once.TotalXP)
	}
	if twice.Level == once.Level && twice.XP == once.XP {
		t.Fatal("replayed award did not advance state")
	}
}

func TestInvariantsUnderAwardSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := NewProgress("u1")

	prevLevel := p.Level
	prevRequired := p.XPRequired

	for i := 0; i < 1000; i++ {
		amount := float64(rng.Intn(800))
		if _, err := p.Apply(amount); err != nil {
			t.Fatalf("apply %v: %v", amount, err)
		}

		if p.XP < 0 || p.XP >= p.XPRequired {
			t.Fatalf("iteration %d: xp %v outside [0, %v)", i, p.XP, p.XPRequired)
		}
		if p.Level < prevLevel {
			t.Fatalf("iteration %d: level decreased %d -> %d", i, prevLevel, p.Level)
		}
		if p.XPRequired < prevRequired {
			t.Fatalf("iteration %d: threshold decreased %v -> %v", i, prevRequired, p.XPRequired)
		}
		if p.Level > prevLevel && p.XPRequired == prevRequired {
			t.Fatalf("iteration %d: level-up did not grow threshold", i)
		}

		prevLevel = p.Level
		prevRequired = p.XPRequired
	}
}

func TestAmountForKnownActions(t *testing.T) {
	tests := []struct {
		action Action
		want   float64
	}{
		{ActionPost, 450},
		{ActionLike, 20},
		{ActionDislike, 20},
		{ActionSkip, 10},
		{ActionInvite, 650},
		{ActionJoinFeed, 20},
		{ActionCreateFeed, 100},
	}

	for _, tt := range tests {
		got, err := AmountFor(tt.action)
		if err != nil {
			t.Fatalf("AmountFor(%q): %v", tt.action, err)
		}
		if got != tt.want {
			t.Fatalf("AmountFor(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}

	if _, err := AmountFor("uninstall"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("unknown action err = %v, want ErrInvalidAction", err)
	}
}

func TestResolveAmount(t *testing.T) {
	amount := 42.0
	negative := -5.0

	tests := []struct {
		name    string
		req     AwardRequest
		want    float64
		wantErr error
	}{
		{"action", AwardRequest{UserID: "u1", Action: ActionLike}, 20, nil},
		{"explicit amount", AwardRequest{UserID: "u1", Amount: &amount}, 42, nil},
		{"action wins over amount", AwardRequest{UserID: "u1", Action: ActionSkip, Amount: &amount}, 10, nil},
		{"neither", AwardRequest{UserID: "u1"}, 0, ErrInvalidRequest},
		{"unknown action", AwardRequest{UserID: "u1", Action: "dance"}, 0, ErrInvalidAction},
		{"negative amount", AwardRequest{UserID: "u1", Amount: &negative}, 0, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.ResolveAmount()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("amount = %v, want %v", got, tt.want)
			}
		})
	}
}
