package captcha

// Glyph recognition for digit tiles. The portal's challenge renders a single
// large digit per tile, so a template match against 5×7 bitmap digits is
// enough: binarise, crop to the ink bounding box, resample to 5×7, and pick
// the template with the highest cell agreement.

// digitTemplates are 5×7 bitmaps, one string row per scanline, '#' = ink.
var digitTemplates = map[string][7]string{
	"0": {" ### ", "#   #", "#  ##", "# # #", "##  #", "#   #", " ### "},
	"1": {"  #  ", " ##  ", "  #  ", "  #  ", "  #  ", "  #  ", " ### "},
	"2": {" ### ", "#   #", "    #", "   # ", "  #  ", " #   ", "#####"},
	"3": {" ### ", "#   #", "    #", "  ## ", "    #", "#   #", " ### "},
	"4": {"   # ", "  ## ", " # # ", "#  # ", "#####", "   # ", "   # "},
	"5": {"#####", "#    ", "#### ", "    #", "    #", "#   #", " ### "},
	"6": {" ### ", "#    ", "#    ", "#### ", "#   #", "#   #", " ### "},
	"7": {"#####", "    #", "   # ", "  #  ", " #   ", " #   ", " #   "},
	"8": {" ### ", "#   #", "#   #", " ### ", "#   #", "#   #", " ### "},
	"9": {" ### ", "#   #", "#   #", " ####", "    #", "    #", " ### "},
}

const (
	glyphW = 5
	glyphH = 7
)

// recognizeGlyph returns the best-matching digit for a tile and a
// confidence in [0,1], or ("", 0) when the tile carries no plausible glyph.
// ModeEnhanced additionally tries one-cell shifts of the ink box, which
// recovers digits the portal renders off-centre.
func recognizeGlyph(g grayImage, mode Mode) (string, float64) {
	ink := binarize(g)
	x0, y0, x1, y1, ok := inkBounds(ink, g.w, g.h)
	if !ok {
		return "", 0
	}

	best, bestScore := matchTemplates(ink, g.w, x0, y0, x1, y1)
	if mode == ModeEnhanced {
		// Shifted crops tolerate ragged binarisation edges.
		for _, d := range [][4]int{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, -1, 0}, {0, 0, 0, -1}} {
			sx0, sy0 := x0+d[0], y0+d[1]
			sx1, sy1 := x1+d[2], y1+d[3]
			if sx1-sx0 < 2 || sy1-sy0 < 2 {
				continue
			}
			if cand, score := matchTemplates(ink, g.w, sx0, sy0, sx1, sy1); score > bestScore {
				best, bestScore = cand, score
			}
		}
	}

	// Below ~0.7 cell agreement the "digit" is likely noise or a letter.
	if bestScore < 0.7 {
		return "", 0
	}
	return best, bestScore
}

// binarize thresholds the raster at its mean: true = ink.
func binarize(g grayImage) []bool {
	m := mean(g)
	ink := make([]bool, len(g.pix))
	for i, v := range g.pix {
		ink[i] = v < m
	}
	return ink
}

// inkBounds returns the bounding box of ink cells, rejecting tiles whose
// ink coverage is implausible for a glyph (blank or mostly dark).
func inkBounds(ink []bool, w, h int) (x0, y0, x1, y1 int, ok bool) {
	x0, y0 = w, h
	count := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !ink[y*w+x] {
				continue
			}
			count++
			if x < x0 {
				x0 = x
			}
			if y < y0 {
				y0 = y
			}
			if x+1 > x1 {
				x1 = x + 1
			}
			if y+1 > y1 {
				y1 = y + 1
			}
		}
	}
	total := w * h
	if count < total/20 || count > total*3/4 {
		return 0, 0, 0, 0, false
	}
	if x1-x0 < 2 || y1-y0 < 2 {
		return 0, 0, 0, 0, false
	}
	return x0, y0, x1, y1, true
}

// matchTemplates resamples the ink box to 5×7 and scores every digit
// template by cell agreement.
func matchTemplates(ink []bool, w, x0, y0, x1, y1 int) (string, float64) {
	var cells [glyphH][glyphW]bool
	bw, bh := x1-x0, y1-y0
	for gy := 0; gy < glyphH; gy++ {
		sy0 := y0 + gy*bh/glyphH
		sy1 := y0 + (gy+1)*bh/glyphH
		if sy1 <= sy0 {
			sy1 = sy0 + 1
		}
		for gx := 0; gx < glyphW; gx++ {
			sx0 := x0 + gx*bw/glyphW
			sx1 := x0 + (gx+1)*bw/glyphW
			if sx1 <= sx0 {
				sx1 = sx0 + 1
			}
			inkCount, n := 0, 0
			for y := sy0; y < sy1; y++ {
				for x := sx0; x < sx1; x++ {
					if ink[y*w+x] {
						inkCount++
					}
					n++
				}
			}
			cells[gy][gx] = inkCount*2 >= n
		}
	}

	best, bestScore := "", 0.0
	for digit, tmpl := range digitTemplates {
		agree := 0
		for gy := 0; gy < glyphH; gy++ {
			for gx := 0; gx < glyphW; gx++ {
				want := tmpl[gy][gx] == '#'
				if cells[gy][gx] == want {
					agree++
				}
			}
		}
		score := float64(agree) / float64(glyphW*glyphH)
		if score > bestScore || (score == bestScore && digit < best) {
			best, bestScore = digit, score
		}
	}
	return best, bestScore
}
