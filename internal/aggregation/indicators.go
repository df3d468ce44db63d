package aggregation

import "fmt"

func maKey(window int) string {
	return fmt.Sprintf("MA%d", window)
}

// simpleMovingAverage returns len(values)-window+1 averages; index i covers
// values[i : i+window]. Callers guarantee len(values) >= window.
func simpleMovingAverage(values []float64, window int) []float64 {
	out := make([]float64, 0, len(values)-window+1)
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}

// exponentialMovingAverage returns the standard recursive EMA, seeded with
// the first value: ema[i] = alpha*v[i] + (1-alpha)*ema[i-1], with
// alpha = 2/(period+1).
func exponentialMovingAverage(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}
