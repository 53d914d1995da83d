package vectorstore

import "gonum.org/v1/gonum/floats"

// trainCentroids runs Lloyd's k-means over vectors, seeding centroids
// by taking every len(vectors)/k-th vector (deterministic, no RNG
// dependency so Optimize's result only depends on the data) and
// iterating until assignments stop changing or maxIterations is hit.
func trainCentroids(vectors [][]float64, k, maxIterations int) [][]float64 {
	if len(vectors) == 0 {
		return nil
	}
	if k > len(vectors) {
		k = len(vectors)
	}
	if k < 1 {
		k = 1
	}

	centroids := make([][]float64, k)
	stride := len(vectors) / k
	if stride < 1 {
		stride = 1
	}
	for i := 0; i < k; i++ {
		src := vectors[(i*stride)%len(vectors)]
		centroids[i] = append([]float64(nil), src...)
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, floats.Distance(v, centroids[0], 2)
			for c := 1; c < k; c++ {
				d := floats.Distance(v, centroids[c], 2)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		dims := len(vectors[0])
		for c := range sums {
			sums[c] = make([]float64, dims)
		}
		for i, v := range vectors {
			c := assignments[i]
			floats.Add(sums[c], v)
			counts[c]++
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}

		if !changed {
			break
		}
	}
	return centroids
}
