package funnel

import (
	"math"

	"github.com/vk/confunnel/internal/entity"
)

// Band is the partition an entity lands in after a filtering stage.
type Band int

const (
	Keep Band = iota
	Backup
	Discard
)

func (b Band) String() string {
	switch b {
	case Keep:
		return "keep"
	case Backup:
		return "backup"
	default:
		return "discard"
	}
}

// Classify places a relative value (kcal/mol) into its band.
func Classify(relative, low, margin float64) Band {
	switch {
	case relative <= low:
		return Keep
	case relative <= low+margin:
		return Backup
	default:
		return Discard
	}
}

// Partition is the result of filtering one stage.
type Partition struct {
	Keep     []*entity.Entity
	Backup   []*entity.Entity
	Discard  []*entity.Entity
	Relative map[string]float64
}

// Split computes every entity's value relative to the stage minimum and
// partitions them against low and low+margin. Entities without a value for
// the stage are ignored. Input order is preserved within each band.
func Split(entities []*entity.Entity, stage entity.Stage, low, margin float64) Partition {
	p := Partition{Relative: make(map[string]float64, len(entities))}

	lowest := math.Inf(1)
	for _, e := range entities {
		if v, ok := e.Value(stage); ok && v < lowest {
			lowest = v
		}
	}
	if math.IsInf(lowest, 1) {
		return p
	}

	highest := 0.0
	for _, e := range entities {
		v, ok := e.Value(stage)
		if !ok {
			continue
		}
		rel := (v - lowest) * entity.HartreeToKcal
		p.Relative[e.ID] = rel
		highest = math.Max(highest, rel)
	}

	// Everyone inside the window: no backup/discard split at all.
	if highest <= low {
		for _, e := range entities {
			if _, ok := p.Relative[e.ID]; ok {
				p.Keep = append(p.Keep, e)
			}
		}
		return p
	}

	for _, e := range entities {
		rel, ok := p.Relative[e.ID]
		if !ok {
			continue
		}
		switch Classify(rel, low, margin) {
		case Keep:
			p.Keep = append(p.Keep, e)
		case Backup:
			p.Backup = append(p.Backup, e)
		default:
			p.Discard = append(p.Discard, e)
		}
	}
	return p
}
