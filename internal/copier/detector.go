package copier

import (
	"math"

	"github.com/rs/zerolog/log"
)

// Detection tolerances. Volume comparisons absorb broker floating point
// noise; everything else is exact.
const (
	DefaultVolumeTolerance = 0.001
	DefaultPriceTolerance  = 1e-5
)

// ChangeDetector diffs consecutive position snapshots of the master account.
// Polling is the design: the terminal bridge offers no event subscription,
// and a 500ms cadence keeps latency acceptable while staying resilient to
// connection hiccups.
type ChangeDetector struct {
	previous        map[int64]PositionSnapshot
	volumeTolerance float64
	priceTolerance  float64
}

// NewChangeDetector creates a detector with default tolerances.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{
		previous:        make(map[int64]PositionSnapshot),
		volumeTolerance: DefaultVolumeTolerance,
		priceTolerance:  DefaultPriceTolerance,
	}
}

// SetInitial installs a baseline without emitting changes, so positions that
// already exist at startup are never copied retroactively.
func (d *ChangeDetector) SetInitial(positions map[int64]PositionSnapshot) {
	d.previous = make(map[int64]PositionSnapshot, len(positions))
	for ticket, pos := range positions {
		d.previous[ticket] = pos
	}
	log.Info().Int("positions", len(positions)).Msg("initial snapshot set")
}

// Reset clears the detector state.
func (d *ChangeDetector) Reset() {
	d.previous = make(map[int64]PositionSnapshot)
}

// Diff compares current against the previous snapshot and advances the
// baseline. A ticket lands in at most one of the four change sequences per
// pass; a partial close suppresses the modification check for that ticket.
// Volume increases on an existing ticket are ignored: brokers do not grow a
// position in place.
func (d *ChangeDetector) Diff(current map[int64]PositionSnapshot) *ChangeSet {
	changes := &ChangeSet{}

	for ticket, pos := range current {
		if _, ok := d.previous[ticket]; !ok {
			changes.Opens = append(changes.Opens, pos)
			log.Info().
				Int64("ticket", ticket).
				Str("symbol", pos.Symbol).
				Float64("volume", pos.Volume).
				Int("type", pos.Type).
				Msg("new position detected")
		}
	}

	for ticket, prev := range d.previous {
		curr, ok := current[ticket]
		if !ok {
			changes.Closes = append(changes.Closes, prev)
			log.Info().
				Int64("ticket", ticket).
				Str("symbol", prev.Symbol).
				Msg("closed position detected")
			continue
		}

		if curr.Volume < prev.Volume-d.volumeTolerance {
			partial := PartialClose{
				Ticket:          ticket,
				ClosedVolume:    round2(prev.Volume - curr.Volume),
				RemainingVolume: curr.Volume,
				OriginalVolume:  prev.Volume,
			}
			changes.Partials = append(changes.Partials, partial)
			log.Info().
				Int64("ticket", ticket).
				Float64("closed_volume", partial.ClosedVolume).
				Float64("remaining_volume", partial.RemainingVolume).
				Msg("partial close detected")
			continue
		}

		slChanged := math.Abs(curr.SL-prev.SL) > d.priceTolerance
		tpChanged := math.Abs(curr.TP-prev.TP) > d.priceTolerance
		if slChanged || tpChanged {
			mod := Modification{
				Ticket: ticket,
				OldSL:  prev.SL,
				NewSL:  curr.SL,
				OldTP:  prev.TP,
				NewTP:  curr.TP,
			}
			changes.Modifications = append(changes.Modifications, mod)
			log.Info().
				Int64("ticket", ticket).
				Float64("old_sl", mod.OldSL).
				Float64("new_sl", mod.NewSL).
				Float64("old_tp", mod.OldTP).
				Float64("new_tp", mod.NewTP).
				Msg("modification detected")
		}
	}

	d.previous = make(map[int64]PositionSnapshot, len(current))
	for ticket, pos := range current {
		d.previous[ticket] = pos
	}

	return changes
}

// round2 rounds to two decimal places, the broker's lot precision.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
