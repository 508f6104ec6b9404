// Package reconciliation cross-checks the usage log against the ledger.
//
// The gateway settles every request by writing a usage event and a ledger
// deduction in one transaction, so the two tables must agree. A drift
// between them means a settle bug or manual tampering, and is the first
// thing to look at when an invoice is disputed.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
)

// UsageSummer returns settled usage totals per billing group.
type UsageSummer interface {
	SuccessCreditsByGroup(ctx context.Context) (map[string]int64, error)
}

// LedgerSummer returns ledger aggregates per billing group.
type LedgerSummer interface {
	UsageDeductionsByGroup(ctx context.Context) (map[string]int64, error)
	NegativeBalances(ctx context.Context) (map[string]int64, error)
}

// Mismatch is one billing group whose usage events and ledger deductions
// disagree.
type Mismatch struct {
	GroupID       string `json:"groupId"`
	UsageCredits  int64  `json:"usageCredits"`
	LedgerCredits int64  `json:"ledgerCredits"`
	Diff          int64  `json:"diff"` // usage minus ledger
}

// DriftResult holds the outcome of a usage-versus-ledger check.
type DriftResult struct {
	Match         bool       `json:"match"`
	GroupsChecked int        `json:"groupsChecked"`
	Mismatches    []Mismatch `json:"mismatches,omitempty"`
}

// NegativeResult lists billing groups whose ledger sums below zero.
type NegativeResult struct {
	Match  bool             `json:"match"`
	Groups map[string]int64 `json:"groups,omitempty"`
}

// Service performs reconciliation between the usage log and the ledger.
type Service struct {
	usage          UsageSummer
	ledger         LedgerSummer
	alertThreshold int64 // per-group credit drift tolerated before flagging
}

// NewService creates a reconciliation service. The default threshold is
// zero: settle is atomic, so any drift at all is a finding.
func NewService(usage UsageSummer, ledger LedgerSummer) *Service {
	return &Service{
		usage:  usage,
		ledger: ledger,
	}
}

// SetAlertThreshold sets the per-group drift tolerated before flagging.
func (s *Service) SetAlertThreshold(credits int64) {
	if credits >= 0 {
		s.alertThreshold = credits
	}
}

// CheckDrift compares SUCCESS usage credits against ledger deduction
// magnitudes for every billing group seen by either side.
func (s *Service) CheckDrift(ctx context.Context) (*DriftResult, error) {
	used, err := s.usage.SuccessCreditsByGroup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage credits: %w", err)
	}

	deducted, err := s.ledger.UsageDeductionsByGroup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger deductions: %w", err)
	}

	groups := make(map[string]struct{}, len(used)+len(deducted))
	for id := range used {
		groups[id] = struct{}{}
	}
	for id := range deducted {
		groups[id] = struct{}{}
	}

	var mismatches []Mismatch
	for id := range groups {
		diff := used[id] - deducted[id]
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		if abs > s.alertThreshold {
			mismatches = append(mismatches, Mismatch{
				GroupID:       id,
				UsageCredits:  used[id],
				LedgerCredits: deducted[id],
				Diff:          diff,
			})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool {
		return mismatches[i].GroupID < mismatches[j].GroupID
	})

	return &DriftResult{
		Match:         len(mismatches) == 0,
		GroupsChecked: len(groups),
		Mismatches:    mismatches,
	}, nil
}

// CheckNegativeBalances flags billing groups the ledger has let below zero.
// Admission races can overdraw a group by at most one request; anything
// persistent points at a broken deduct path.
func (s *Service) CheckNegativeBalances(ctx context.Context) (*NegativeResult, error) {
	negative, err := s.ledger.NegativeBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query negative balances: %w", err)
	}

	return &NegativeResult{
		Match:  len(negative) == 0,
		Groups: negative,
	}, nil
}
