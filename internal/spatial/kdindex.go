package spatial

// kdIndex is a static flat KD-tree over projected points. Leaves hold up to
// nodeSize points and are scanned linearly.
type kdIndex struct {
	nodeSize int
	ids      []int
	coords   []float64
}

func newKDIndex(nodes []node, nodeSize int) *kdIndex {
	if nodeSize < 2 {
		nodeSize = 2
	}
	kd := &kdIndex{
		nodeSize: nodeSize,
		ids:      make([]int, len(nodes)),
		coords:   make([]float64, 2*len(nodes)),
	}
	for i, n := range nodes {
		kd.ids[i] = i
		kd.coords[2*i] = n.x
		kd.coords[2*i+1] = n.y
	}
	kd.sort(0, len(nodes)-1, 0)
	return kd
}

func (kd *kdIndex) sort(left, right, axis int) {
	if right-left <= kd.nodeSize {
		return
	}
	m := (left + right) >> 1
	kd.selectNth(m, left, right, axis)
	kd.sort(left, m-1, 1-axis)
	kd.sort(m+1, right, 1-axis)
}

// selectNth places the n-th element on axis in position, smaller ones to its left.
func (kd *kdIndex) selectNth(n, lo, hi, axis int) {
	for lo < hi {
		p := kd.partition(lo, hi, (lo+hi)/2, axis)
		if p == n {
			return
		}
		if n < p {
			hi = p - 1
		} else {
			lo = p + 1
		}
	}
}

func (kd *kdIndex) partition(lo, hi, pivot, axis int) int {
	pv := kd.coords[2*pivot+axis]
	kd.swap(pivot, hi)
	i := lo
	for j := lo; j < hi; j++ {
		if kd.coords[2*j+axis] < pv {
			kd.swap(i, j)
			i++
		}
	}
	kd.swap(i, hi)
	return i
}

func (kd *kdIndex) swap(i, j int) {
	kd.ids[i], kd.ids[j] = kd.ids[j], kd.ids[i]
	kd.coords[2*i], kd.coords[2*j] = kd.coords[2*j], kd.coords[2*i]
	kd.coords[2*i+1], kd.coords[2*j+1] = kd.coords[2*j+1], kd.coords[2*i+1]
}

// rangeQuery returns node indexes inside the axis-aligned box.
func (kd *kdIndex) rangeQuery(minX, minY, maxX, maxY float64) []int {
	var out []int
	if len(kd.ids) == 0 {
		return out
	}
	stack := []int{0, len(kd.ids) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]
		if right-left <= kd.nodeSize {
			for i := left; i <= right; i++ {
				x, y := kd.coords[2*i], kd.coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					out = append(out, kd.ids[i])
				}
			}
			continue
		}
		m := (left + right) >> 1
		x, y := kd.coords[2*m], kd.coords[2*m+1]
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			out = append(out, kd.ids[m])
		}
		if (axis == 0 && minX <= x) || (axis == 1 && minY <= y) {
			stack = append(stack, left, m-1, 1-axis)
		}
		if (axis == 0 && maxX >= x) || (axis == 1 && maxY >= y) {
			stack = append(stack, m+1, right, 1-axis)
		}
	}
	return out
}

// within returns node indexes whose euclidean distance to (qx,qy) is at most r.
func (kd *kdIndex) within(qx, qy, r float64) []int {
	var out []int
	if len(kd.ids) == 0 {
		return out
	}
	r2 := r * r
	stack := []int{0, len(kd.ids) - 1, 0}
	for len(stack) > 0 {
		axis := stack[len(stack)-1]
		right := stack[len(stack)-2]
		left := stack[len(stack)-3]
		stack = stack[:len(stack)-3]
		if right-left <= kd.nodeSize {
			for i := left; i <= right; i++ {
				if sqDist(kd.coords[2*i], kd.coords[2*i+1], qx, qy) <= r2 {
					out = append(out, kd.ids[i])
				}
			}
			continue
		}
		m := (left + right) >> 1
		x, y := kd.coords[2*m], kd.coords[2*m+1]
		if sqDist(x, y, qx, qy) <= r2 {
			out = append(out, kd.ids[m])
		}
		if (axis == 0 && qx-r <= x) || (axis == 1 && qy-r <= y) {
			stack = append(stack, left, m-1, 1-axis)
		}
		if (axis == 0 && qx+r >= x) || (axis == 1 && qy+r >= y) {
			stack = append(stack, m+1, right, 1-axis)
		}
	}
	return out
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx, dy := ax-bx, ay-by
	return dx*dx + dy*dy
}
