// Package routing implements the request router (C6): given an incoming
// request it resolves (channel, account), then applies the chosen
// account's model_mappings.
package routing

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/nulpointcorp/claude-gateway/internal/account"
)

// Decision is what the router hands to the orchestrator.
type Decision struct {
	Account *account.Account
	Model   string // after model_mappings substitution
}

// Router dispatches account selection to the pool, honoring X-Account-ID
// overrides and the type-weighted selection of §4.6.
type Router struct {
	store *account.Store
	pool  *account.Pool
}

func New(store *account.Store, pool *account.Pool) *Router {
	return &Router{store: store, pool: pool}
}

// Route resolves (channel, account) and the substituted model. accountID
// is the X-Account-ID header value, empty when absent. pinType, when
// non-empty, bypasses the §4.6 type-weighting entirely and selects within
// that single channel type — how /v1/gemini/messages pins to Gemini.
func (r *Router) Route(ctx context.Context, accountID, requestedModel string, strategy account.Strategy, pinType ...account.Type) (Decision, error) {
	var a *account.Account
	var err error

	switch {
	case accountID != "":
		a, err = r.pool.SelectByID(ctx, accountID)
	case len(pinType) > 0 && pinType[0] != "":
		a, err = r.pool.Select(ctx, account.SelectOptions{Type: pinType[0], Model: requestedModel, Strategy: strategy})
		if err != nil {
			err = fmt.Errorf("routing: select account: %w", err)
		}
	default:
		a, err = r.selectWeightedByType(ctx, requestedModel, strategy)
	}
	if err != nil {
		return Decision{}, err
	}

	model := requestedModel
	ext, extErr := a.Extension()
	if extErr == nil {
		for _, m := range ext.ModelMappings {
			if m.RequestModel == requestedModel {
				model = m.TargetModel
				break
			}
		}
	}

	return Decision{Account: a, Model: model}, nil
}

// selectWeightedByType picks a channel type by weighting each type by its
// number of enabled accounts, then runs the configured strategy within
// that type (§4.6).
func (r *Router) selectWeightedByType(ctx context.Context, model string, strategy account.Strategy) (*account.Account, error) {
	counts, err := r.enabledCountByType(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil, account.ErrNoEligibleAccount
	}

	order := []account.Type{account.TypeAmazonQ, account.TypeGemini, account.TypeCustomAPI}
	roll := rand.Intn(total)
	var chosenType account.Type
	for _, t := range order {
		n := counts[t]
		if roll < n {
			chosenType = t
			break
		}
		roll -= n
	}
	if chosenType == "" {
		chosenType = order[len(order)-1]
	}

	a, err := r.pool.Select(ctx, account.SelectOptions{Type: chosenType, Model: model, Strategy: strategy})
	if err == account.ErrNoEligibleAccount {
		// The chosen type happened to have no account pass the full
		// eligibility filter (cooldowns, rate limits) even though it has
		// enabled accounts; fall back to any type rather than fail the
		// request outright.
		return r.pool.Select(ctx, account.SelectOptions{Model: model, Strategy: strategy})
	}
	if err != nil {
		return nil, fmt.Errorf("routing: select account: %w", err)
	}
	return a, nil
}

func (r *Router) enabledCountByType(ctx context.Context) (map[account.Type]int, error) {
	all, err := r.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("routing: list accounts: %w", err)
	}
	counts := map[account.Type]int{}
	for _, a := range all {
		if a.Enabled {
			counts[a.Type]++
		}
	}
	return counts, nil
}
