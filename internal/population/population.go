// Package population turns relative free energies into Boltzmann weights and
// selects the smallest set of entities covering a cumulative weight target.
package population

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
)

// minTemperature replaces a temperature of exactly zero so kT stays positive.
const minTemperature = 1e-14

// ErrNoValues is returned when no entity carries a value for the stage.
var ErrNoValues = errors.New("no entity has a value for the stage")

// ComputeWeights sets Weight and RefinedWeight on every entity from its value
// at stage. Weights are w_i = g_i * exp(-(G_i - G_min) / kT), normalized to
// one. RefinedWeight renormalizes over the entities whose weight is at least
// trimCutoff; the rest get zero. Entities without a value get zero weights.
func ComputeWeights(ctx context.Context, entities []*entity.Entity, stage entity.Stage, temperature, trimCutoff float64) error {
	logger := ctxlog.FromContext(ctx)

	if temperature == 0 {
		logger.Warn("Temperature is zero, using a small positive value instead.", "temperature", minTemperature)
		temperature = minTemperature
	}
	kT := entity.BoltzmannHartree * temperature

	lowest := math.Inf(1)
	for _, e := range entities {
		if v, ok := e.Value(stage); ok && v < lowest {
			lowest = v
		}
	}
	if math.IsInf(lowest, 1) {
		return ErrNoValues
	}

	raw := make([]float64, len(entities))
	sum := 0.0
	for i, e := range entities {
		v, ok := e.Value(stage)
		if !ok {
			continue
		}
		g, known := e.DegeneracyOr(1.0)
		if !known {
			logger.Warn("Degeneracy unknown, assuming 1.", "entity", e.ID)
		}
		raw[i] = g * math.Exp(-(v-lowest)/kT)
		sum += raw[i]
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return errors.New("population weights do not normalize: check degeneracies")
	}

	trimmed := 0.0
	for i, e := range entities {
		e.Weight = raw[i] / sum
		if e.Weight >= trimCutoff {
			trimmed += e.Weight
		}
	}

	if trimmed == 0 {
		logger.Warn("Every weight is below the trim cutoff, keeping untrimmed weights.", "cutoff", trimCutoff)
		for _, e := range entities {
			e.RefinedWeight = e.Weight
		}
		return nil
	}

	excluded := 0
	for _, e := range entities {
		if e.Weight >= trimCutoff {
			e.RefinedWeight = e.Weight / trimmed
			continue
		}
		if e.Weight > 0 {
			excluded++
		}
		e.RefinedWeight = 0
	}
	logger.Debug("Computed population weights.", "entities", len(entities), "trimmed", excluded, "temperature", temperature)
	return nil
}

// SelectCoverageSet returns the entities with the highest refined weights
// whose cumulative weight first reaches target, the crossing entity included.
// Selected entities stay eligible for the next stage, all others are marked
// not eligible. Ties are broken by id.
func SelectCoverageSet(entities []*entity.Entity, target float64) []*entity.Entity {
	ranked := append([]*entity.Entity(nil), entities...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RefinedWeight != ranked[j].RefinedWeight {
			return ranked[i].RefinedWeight > ranked[j].RefinedWeight
		}
		return ranked[i].ID < ranked[j].ID
	})

	var selected []*entity.Entity
	cumulative := 0.0
	for _, e := range ranked {
		if cumulative >= target || e.RefinedWeight <= 0 {
			e.ConsiderForNext = false
			continue
		}
		cumulative += e.RefinedWeight
		e.ConsiderForNext = true
		selected = append(selected, e)
	}
	return selected
}
