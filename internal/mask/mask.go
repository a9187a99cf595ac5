// Package mask builds key/query padding masks and the causal or
// sliding-window exclusion grid used by the attention reference.
package mask

import (
	"math/rand"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Padding is a [batch][seq] validity mask; true marks a real position.
type Padding [][]bool

// GeneratePadding draws a per-row valid length according to mode and
// returns the corresponding prefix mask.
func GeneratePadding(rng *rand.Rand, maxLen, batch int, mode config.PaddingMode) Padding {
	lengths := make([]int, batch)
	for b := range lengths {
		lo, hi := maxLen, maxLen
		switch mode {
		case config.PaddingRandom:
			lo = maxLen - 20
			if lo < 1 {
				lo = 1
			}
		case config.PaddingThird:
			lo = maxLen / 3
		}
		if lo < hi {
			lengths[b] = lo + rng.Intn(hi-lo)
		} else {
			lengths[b] = maxLen
		}
	}
	return FromLengths(lengths, maxLen)
}

// FromLengths returns a mask whose row b is valid on [0, lengths[b]).
func FromLengths(lengths []int, maxLen int) Padding {
	m := make(Padding, len(lengths))
	for b, n := range lengths {
		row := make([]bool, maxLen)
		for i := 0; i < n && i < maxLen; i++ {
			row[i] = true
		}
		m[b] = row
	}
	return m
}

// Lengths returns the row sums of the mask.
func (m Padding) Lengths() []int {
	out := make([]int, len(m))
	for b, row := range m {
		for _, ok := range row {
			if ok {
				out[b]++
			}
		}
	}
	return out
}

func (m Padding) check(op string, batch, seq int) error {
	if m == nil {
		return nil
	}
	if len(m) != batch {
		return &tensor.ShapeMismatchError{Op: op, Msg: "padding batch", Want: []int{batch, seq}, Got: []int{len(m), -1}}
	}
	for _, row := range m {
		if len(row) != seq {
			return &tensor.ShapeMismatchError{Op: op, Msg: "padding length", Want: []int{batch, seq}, Got: []int{len(m), len(row)}}
		}
	}
	return nil
}

// Grid is a [batch, rows, cols] exclusion mask; true means the key is
// hidden from the query.
type Grid struct {
	Batch, Rows, Cols int
	excluded          []bool
}

func (g *Grid) Excluded(b, r, c int) bool {
	return g.excluded[(b*g.Rows+r)*g.Cols+c]
}

// Row returns the exclusion flags for query row r of batch b. It aliases the grid.
func (g *Grid) Row(b, r int) []bool {
	off := (b*g.Rows + r) * g.Cols
	return g.excluded[off : off+g.Cols]
}

// FullyMasked reports whether every key is excluded for the query row.
func (g *Grid) FullyMasked(b, r int) bool {
	for _, x := range g.Row(b, r) {
		if !x {
			return false
		}
	}
	return true
}

// HidePaddedKeys also excludes every key column keyPad marks invalid. The
// padding must match the grid's batch and key length.
func (g *Grid) HidePaddedKeys(keyPad Padding) {
	if keyPad == nil {
		return
	}
	for b := 0; b < g.Batch; b++ {
		for r := 0; r < g.Rows; r++ {
			row := g.Row(b, r)
			for c, valid := range keyPad[b] {
				if !valid {
					row[c] = true
				}
			}
		}
	}
}

// BuildCausalLocal computes the window exclusion grid. The query/key
// padding masks are optional and shift the diagonal so the last valid
// query aligns with the last valid key. With an inactive window the grid
// excludes nothing.
func BuildCausalLocal(batch, queryLen, keyLen int, w Window, queryPad, keyPad Padding) (*Grid, error) {
	if err := queryPad.check("mask.BuildCausalLocal", batch, queryLen); err != nil {
		return nil, err
	}
	if err := keyPad.check("mask.BuildCausalLocal", batch, keyLen); err != nil {
		return nil, err
	}
	g := &Grid{Batch: batch, Rows: queryLen, Cols: keyLen, excluded: make([]bool, batch*queryLen*keyLen)}
	if !w.Active() {
		return g, nil
	}

	var validQ, validK []int
	if queryPad != nil {
		validQ = queryPad.Lengths()
	}
	if keyPad != nil {
		validK = keyPad.Lengths()
	}

	for b := 0; b < batch; b++ {
		sq, sk := queryLen, keyLen
		if validQ != nil {
			sq = validQ[b]
		}
		if validK != nil {
			sk = validK[b]
		}
		shift := sk - sq
		for r := 0; r < queryLen; r++ {
			row := g.Row(b, r)
			for c := 0; c < keyLen; c++ {
				row[c] = excluded(r, c, shift, sk, w)
			}
		}
	}
	return g, nil
}

func excluded(r, c, shift, validK int, w Window) bool {
	if w.Left < 0 {
		return w.Right >= 0 && c > r+shift+w.Right
	}
	if c < r+shift-w.Left {
		return true
	}
	if w.Right < 0 {
		return false
	}
	hi := r + shift + w.Right
	if validK < hi {
		hi = validK
	}
	return c > hi
}
