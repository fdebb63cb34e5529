package vecmath

import "github.com/viterin/vek/vek32"

// assignBlockRows caps the member rows multiplied at once so the score block
// stays bounded even for very wide candidate sets.
const assignBlockRows = 1024

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Stack copies vectors (each of length dim) into the rows of a new matrix.
func Stack(vectors [][]float32, dim int) Matrix {
	m := NewMatrix(len(vectors), dim)
	for i, v := range vectors {
		copy(m.Data[i*dim:(i+1)*dim], v)
	}
	return m
}

// Row returns a view of row i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Transpose returns a new Cols x Rows matrix.
func (m Matrix) Transpose() Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Data[j*m.Rows+i] = m.Data[i*m.Cols+j]
		}
	}
	return t
}

// Scores returns m·q, the dot product of every row of m with q.
func Scores(m Matrix, q []float32) []float32 {
	if m.Rows == 0 {
		return nil
	}
	if len(q) != m.Cols {
		panic("vecmath: query length mismatch")
	}
	return vek32.MatMul(m.Data, q, m.Cols)
}

// AssignArgMax returns, for every row of members, the index of the row of
// candidates with the highest dot product. Ties go to the lowest candidate index.
// Members are multiplied in blocks against the transposed candidate matrix.
func AssignArgMax(members, candidates Matrix) []int {
	out := make([]int, members.Rows)
	if members.Rows == 0 || candidates.Rows == 0 {
		for i := range out {
			out[i] = -1
		}
		return out
	}
	if members.Cols != candidates.Cols {
		panic("vecmath: dimension mismatch")
	}
	ct := candidates.Transpose()
	dim := members.Cols
	c := candidates.Rows
	for start := 0; start < members.Rows; start += assignBlockRows {
		end := start + assignBlockRows
		if end > members.Rows {
			end = members.Rows
		}
		block := members.Data[start*dim : end*dim]
		scores := vek32.MatMul(block, ct.Data, dim)
		for r := 0; r < end-start; r++ {
			out[start+r] = argMax(scores[r*c : (r+1)*c])
		}
	}
	return out
}

// argMax returns the first index holding the maximum value.
func argMax(xs []float32) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}
