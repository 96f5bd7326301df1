package celltools

import "math"

func Mean(inData ...float64) float64 {
	if len(inData) == 0 {
		return 0
	}
	sum := Sum(inData...)
	return sum / float64(len(inData))
}

func Sum(inData ...float64) float64 {
	var sum float64
	for _, val := range inData {
		sum += val
	}
	return sum
}

func Max(inData ...float64) float64 {
	max := math.Inf(-1)
	for _, val := range inData {
		if val > max {
			max = val
		}
	}
	return max
}

func Min(inData ...float64) float64 {
	min := math.Inf(1)
	for _, val := range inData {
		if val < min {
			min = val
		}
	}
	return min
}

// Count is the number of indexed pixels in the cell.
func Count(inData ...float64) float64 {
	return float64(len(inData))
}

// AggFuncByName maps a command line name to its aggregation function.
func AggFuncByName(name string) (AggFunc, bool) {
	switch name {
	case "mean":
		return Mean, true
	case "sum":
		return Sum, true
	case "max":
		return Max, true
	case "min":
		return Min, true
	case "count":
		return Count, true
	}
	return nil, false
}
