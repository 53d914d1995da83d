package vectorstore

import "gonum.org/v1/gonum/floats"

// distance scores v against center under metric. For MetricEuclidean
// this is the L2 distance (smaller is closer); for MetricCosine it is
// cosine similarity (larger is closer).
func distance(metric Metric, v, center []float64) float64 {
	if metric == MetricCosine {
		return cosineSimilarity(v, center)
	}
	return floats.Distance(v, center, 2)
}

func cosineSimilarity(a, b []float64) float64 {
	denom := floats.Norm(a, 2) * floats.Norm(b, 2)
	if denom == 0 {
		return 0
	}
	return floats.Dot(a, b) / denom
}
