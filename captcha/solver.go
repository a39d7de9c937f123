// Package captcha scores candidate challenge tiles against a reference
// image or a target glyph and returns ranked matches with confidences.
//
// The portal's gate shows a small grid of tiles (≤9) and asks for the ones
// matching a target. Tiles are adversarial: noisy, skewed, occasionally
// truncated or not an image at all. The solver therefore never returns an
// error for bad input — an undecodable tile simply scores zero and the
// overall result degrades to "no confident match".
//
// Two modes: ModeBasic is a cheap pixel-level pass; ModeEnhanced adds a
// glyph-shape recognition pass for tiles that encode digits. Scoring is
// pure arithmetic over decoded pixels, so identical input always produces
// identical output.
package captcha

import (
	"bytes"
	"image"
	"log/slog"
	"math/bits"
	"sort"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Mode selects the scoring passes.
type Mode int

const (
	// ModeBasic uses pixel-difference and perceptual-hash features only.
	ModeBasic Mode = iota
	// ModeEnhanced adds glyph/shape recognition. Slower, more robust
	// against tiles that render the same symbol with different noise.
	ModeEnhanced
)

func (m Mode) String() string {
	if m == ModeEnhanced {
		return "enhanced"
	}
	return "basic"
}

// Candidate is one scored tile.
type Candidate struct {
	// Index is the tile's position in the input slice.
	Index int `json:"index"`
	// Score is the combined similarity in [0,1].
	Score float64 `json:"score"`
	// Decoded reports whether the tile bytes decoded as an image.
	Decoded bool `json:"decoded"`
	// Glyph is the digit recognised in the tile, or "" if none
	// (populated by the glyph pass only).
	Glyph string `json:"glyph,omitempty"`
}

// Result is the outcome of one solve operation.
type Result struct {
	// Matched is true when the top candidate cleared the threshold.
	Matched bool `json:"matched"`
	// Best is the index of the top candidate, or -1 when Matched is false.
	Best int `json:"best"`
	// MatchIndices lists every candidate clearing the threshold, best first.
	MatchIndices []int `json:"match_indices"`
	// Candidates holds all tiles ranked by descending score.
	Candidates []Candidate `json:"candidates"`
	// Processed counts tiles that decoded successfully.
	Processed int `json:"processed"`
}

// Config tunes the solver.
type Config struct {
	// Threshold is the minimum score for a candidate to count as a match.
	// Default: 0.62.
	Threshold float64
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.62
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Solver scores challenge tiles. Safe for concurrent use: it holds no
// mutable state beyond its configuration.
type Solver struct {
	cfg Config
}

// New creates a Solver.
func New(cfg Config) *Solver {
	cfg.defaults()
	return &Solver{cfg: cfg}
}

// Threshold returns the configured match threshold.
func (s *Solver) Threshold() float64 { return s.cfg.Threshold }

// Solve scores every tile against the reference image and returns the
// ranked result. An undecodable reference yields a no-match result with
// all candidates at zero.
func (s *Solver) Solve(reference []byte, tiles [][]byte, mode Mode) Result {
	ref, refOK := decodeGray(reference)

	cands := make([]Candidate, len(tiles))
	for i, data := range tiles {
		cands[i] = Candidate{Index: i}
		img, ok := decodeGray(data)
		if !ok {
			continue
		}
		cands[i].Decoded = true
		if !refOK {
			continue
		}
		cands[i].Score = similarity(ref, img, mode)
	}

	return s.rank(cands)
}

// MatchTarget scores every tile against a target glyph string (as shown in
// the portal's "select all tiles with N" prompt). Only single digits are
// recognisable; any other target yields no matches.
func (s *Solver) MatchTarget(target string, tiles [][]byte, mode Mode) Result {
	cands := make([]Candidate, len(tiles))
	for i, data := range tiles {
		cands[i] = Candidate{Index: i}
		img, ok := decodeGray(data)
		if !ok {
			continue
		}
		cands[i].Decoded = true
		glyph, conf := recognizeGlyph(img, mode)
		cands[i].Glyph = glyph
		if glyph != "" && glyph == target {
			cands[i].Score = conf
		}
	}

	return s.rank(cands)
}

// rank sorts candidates by descending score (index ascending on ties, so
// repeated calls on identical input return identical order) and applies
// the threshold.
func (s *Solver) rank(cands []Candidate) Result {
	r := Result{Best: -1, Candidates: cands}
	for _, c := range cands {
		if c.Decoded {
			r.Processed++
		}
	}

	ranked := make([]Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Index < ranked[j].Index
	})
	r.Candidates = ranked

	for _, c := range ranked {
		if c.Score >= s.cfg.Threshold {
			r.MatchIndices = append(r.MatchIndices, c.Index)
		}
	}
	if len(r.MatchIndices) > 0 {
		r.Matched = true
		r.Best = r.MatchIndices[0]
	}
	return r
}

// ---------- similarity features ----------

// grayImage is a normalised grayscale raster sampled to a fixed grid.
type grayImage struct {
	w, h int
	pix  []float64 // row-major, values in [0,255]
}

const sampleSize = 16

// decodeGray decodes image bytes and box-samples them to a fixed
// sampleSize×sampleSize grayscale grid. Returns ok=false for anything
// that does not decode.
func decodeGray(data []byte) (grayImage, bool) {
	if len(data) == 0 {
		return grayImage{}, false
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return grayImage{}, false
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return grayImage{}, false
	}
	return resample(src, sampleSize, sampleSize), true
}

// resample box-averages src into a w×h grayscale grid.
func resample(src image.Image, w, h int) grayImage {
	b := src.Bounds()
	out := grayImage{w: w, h: h, pix: make([]float64, w*h)}
	for gy := 0; gy < h; gy++ {
		y0 := b.Min.Y + gy*b.Dy()/h
		y1 := b.Min.Y + (gy+1)*b.Dy()/h
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for gx := 0; gx < w; gx++ {
			x0 := b.Min.X + gx*b.Dx()/w
			x1 := b.Min.X + (gx+1)*b.Dx()/w
			if x1 <= x0 {
				x1 = x0 + 1
			}
			var sum float64
			var n int
			for y := y0; y < y1 && y < b.Max.Y; y++ {
				for x := x0; x < x1 && x < b.Max.X; x++ {
					r, g, bl, _ := src.At(x, y).RGBA()
					// ITU-R BT.601 luma, 16-bit channels scaled to 8-bit.
					sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
					n++
				}
			}
			if n > 0 {
				out.pix[gy*w+gx] = sum / float64(n)
			}
		}
	}
	return out
}

// similarity combines feature scores per mode. All features are in [0,1].
func similarity(a, b grayImage, mode Mode) float64 {
	pixel := 1 - meanAbsDiff(a, b)
	ahash := hashSimilarity(averageHash(a), averageHash(b))
	if mode == ModeBasic {
		return 0.5*pixel + 0.5*ahash
	}
	dhash := hashSimilarity(gradientHash(a), gradientHash(b))
	shape := inkOverlap(a, b)
	return 0.35*pixel + 0.25*ahash + 0.2*dhash + 0.2*shape
}

// meanAbsDiff is the mean absolute pixel difference normalised to [0,1].
func meanAbsDiff(a, b grayImage) float64 {
	var sum float64
	for i := range a.pix {
		d := a.pix[i] - b.pix[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(a.pix)) / 255.0
}

// averageHash computes a 64-bit aHash over the central 8×8 of the grid.
func averageHash(g grayImage) uint64 {
	var mean float64
	cells := make([]float64, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := g.pix[(y*2)*g.w+(x*2)]
			cells[y*8+x] = v
			mean += v
		}
	}
	mean /= 64
	var h uint64
	for i, v := range cells {
		if v >= mean {
			h |= 1 << uint(i)
		}
	}
	return h
}

// gradientHash computes a 64-bit dHash (horizontal gradient sign).
func gradientHash(g grayImage) uint64 {
	var h uint64
	i := 0
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			a := g.pix[(y*2)*g.w+x]
			b := g.pix[(y*2)*g.w+x+1]
			if a > b {
				h |= 1 << uint(i)
			}
			i++
		}
	}
	return h
}

func hashSimilarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64.0
}

// inkOverlap binarises both rasters at their own mean and returns the
// intersection-over-union of the darker ("ink") cells. Captures shape
// identity independent of brightness or background tint.
func inkOverlap(a, b grayImage) float64 {
	am, bm := mean(a), mean(b)
	var inter, union int
	for i := range a.pix {
		ai := a.pix[i] < am
		bi := b.pix[i] < bm
		if ai && bi {
			inter++
		}
		if ai || bi {
			union++
		}
	}
	if union == 0 {
		// Both blank: identical shapes.
		return 1
	}
	return float64(inter) / float64(union)
}

func mean(g grayImage) float64 {
	var sum float64
	for _, v := range g.pix {
		sum += v
	}
	return sum / float64(len(g.pix))
}
