package tracker

import "math"

// Assign solves the rectangular assignment problem for cost (rows x cols) and
// returns, for every row, the column assigned to it or -1. The matrix is
// padded to a square with padCost; assignments to padding are reported as -1.
// Runs in O(n^3) for n = max(rows, cols) and is deterministic for a given
// input order.
func Assign(cost [][]float64, padCost float64) []int {
	rows := len(cost)
	if rows == 0 {
		return nil
	}
	cols := 0
	for _, r := range cost {
		if len(r) > cols {
			cols = len(r)
		}
	}
	assignment := make([]int, rows)
	if cols == 0 {
		for i := range assignment {
			assignment[i] = -1
		}
		return assignment
	}

	n := rows
	if cols > n {
		n = cols
	}
	at := func(i, j int) float64 {
		if i < rows && j < len(cost[i]) {
			return cost[i][j]
		}
		return padCost
	}

	// Potentials and matching use 1-based indices; column 0 is a sentinel.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row matched to column j
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := at(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}

	for i := range assignment {
		assignment[i] = -1
	}
	for j := 1; j <= n; j++ {
		row, col := p[j]-1, j-1
		if row >= 0 && row < rows && col < cols {
			assignment[row] = col
		}
	}
	return assignment
}
