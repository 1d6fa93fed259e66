// Package migration copies legacy data into modules through the dispatcher
// as a fixed partial order of idempotent steps.
package migration

import (
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
)

// Step names one migration step.
type Step string

// The eight steps, in run order.
const (
	CoreConfig         Step = "core-config"
	SupportedResources Step = "supported-resources"
	ExternalProviders  Step = "external-providers"
	PrimaryEntities    Step = "primary-entities"
	SecondaryEntities  Step = "secondary-entities"
	Relations          Step = "relations"
	LedgerEntries      Step = "ledger-entries"
	TreasuryBalances   Step = "treasury-balances"
)

var order = []Step{
	CoreConfig,
	SupportedResources,
	ExternalProviders,
	PrimaryEntities,
	SecondaryEntities,
	Relations,
	LedgerEntries,
	TreasuryBalances,
}

var prerequisites = map[Step][]Step{
	CoreConfig:         nil,
	SupportedResources: {CoreConfig},
	ExternalProviders:  {CoreConfig},
	PrimaryEntities:    {CoreConfig, SupportedResources, ExternalProviders},
	SecondaryEntities:  {PrimaryEntities},
	Relations:          {PrimaryEntities, SecondaryEntities},
	LedgerEntries:      {Relations},
	TreasuryBalances:   {Relations},
}

// Steps returns every step in run order.
func Steps() []Step {
	out := make([]Step, len(order))
	copy(out, order)
	return out
}

// Prerequisites returns the steps that must complete before s.
func (s Step) Prerequisites() []Step {
	return append([]Step(nil), prerequisites[s]...)
}

// Number returns the 1-based position of s in run order, or 0.
func (s Step) Number() int {
	for i, step := range order {
		if step == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is one of the eight steps.
func (s Step) Valid() bool {
	_, ok := prerequisites[s]
	return ok
}

// ParseStep accepts a step name or its 1-based number.
func ParseStep(value string) (Step, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if n, err := strconv.Atoi(value); err == nil {
		if n >= 1 && n <= len(order) {
			return order[n-1], nil
		}
	}
	if step := Step(value); step.Valid() {
		return step, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, "unknown migration step",
		map[string]string{"step": value})
}
