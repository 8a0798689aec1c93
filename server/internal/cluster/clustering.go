package cluster

// agglomerativeClusters performs average-linkage hierarchical clustering
// over a precomputed distance matrix, repeatedly merging the two clusters
// with the smallest average inter-cluster distance until the smallest
// remaining distance exceeds threshold.
func agglomerativeClusters(dist [][]float64, threshold float64) [][]int {
	n := len(dist)
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > 1 {
		bestI, bestJ := -1, -1
		bestDist := threshold
		found := false
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := averageLinkage(dist, clusters[i], clusters[j])
				if d <= bestDist {
					bestDist = d
					bestI, bestJ = i, j
					found = true
				}
			}
		}
		if !found {
			break
		}
		merged := append(append([]int{}, clusters[bestI]...), clusters[bestJ]...)
		next := make([][]int, 0, len(clusters)-1)
		for k, c := range clusters {
			if k == bestI || k == bestJ {
				continue
			}
			next = append(next, c)
		}
		next = append(next, merged)
		clusters = next
	}
	return clusters
}

func averageLinkage(dist [][]float64, a, b []int) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}

// dbscanLabels runs DBSCAN over a precomputed distance matrix restricted
// to the given member indices (a coarse cluster's sub-distance matrix).
// Returns, for each member (same order as members), its cluster label
// within this call: 0..k-1, or -1 for noise.
func dbscanLabels(dist [][]float64, members []int, eps float64, minSamples int) []int {
	n := len(members)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -2 // unvisited
	}
	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if dist[members[i]][members[j]] <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != -2 {
			continue
		}
		neigh := neighbors(i)
		if len(neigh)+1 < minSamples {
			labels[i] = -1
			continue
		}
		labels[i] = clusterID
		seeds := append([]int{}, neigh...)
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == -1 {
				labels[j] = clusterID
			}
			if labels[j] != -2 {
				continue
			}
			labels[j] = clusterID
			jNeigh := neighbors(j)
			if len(jNeigh)+1 >= minSamples {
				seeds = append(seeds, jNeigh...)
			}
		}
		clusterID++
	}
	return labels
}
