package sched

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Imbalance returns the coefficient of variation of load: the population
// standard deviation over the mean. Zero means every core carries the same
// load; an empty or all-zero load is balanced.
func Imbalance(load []float64) float64 {
	if len(load) < 2 {
		return 0
	}
	mean, std := stat.PopMeanStdDev(load, nil)
	if mean == 0 || math.IsNaN(std) {
		return 0
	}
	return std / mean
}

// Imbalance reports how unevenly the ready queues are filled.
func (r *Registry) Imbalance() float64 {
	load := make([]float64, len(r.processors))
	for i, p := range r.processors {
		load[i] = float64(p.Scheduler.Len())
	}
	return Imbalance(load)
}
