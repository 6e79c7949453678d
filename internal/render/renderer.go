// Package render produces PNG snapshots of a board position for UI
// clients that would rather show an image than parse FEN.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	imagedraw "image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	squareSize   = 64
	boardSquares = 8
	margin       = 20
)

var (
	lightSquareColor = color.NRGBA{R: 238, G: 238, B: 210, A: 255}
	darkSquareColor  = color.NRGBA{R: 118, G: 150, B: 86, A: 255}
	backgroundColor  = color.NRGBA{R: 48, G: 46, B: 43, A: 255}
	highlightFill    = color.NRGBA{R: 255, G: 255, B: 51, A: 110}
	coordinateColor  = color.NRGBA{R: 220, G: 220, B: 210, A: 255}
	whiteGlyphColor  = color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	blackGlyphColor  = color.NRGBA{R: 20, G: 20, B: 20, A: 255}
)

var (
	ranks = []nchess.Rank{nchess.Rank8, nchess.Rank7, nchess.Rank6, nchess.Rank5, nchess.Rank4, nchess.Rank3, nchess.Rank2, nchess.Rank1}
	files = []nchess.File{nchess.FileA, nchess.FileB, nchess.FileC, nchess.FileD, nchess.FileE, nchess.FileF, nchess.FileG, nchess.FileH}
)

// Highlight marks the squares of the most recently applied move.
type Highlight struct {
	From nchess.Square
	To   nchess.Square
}

// Renderer draws board snapshots. When a theme directory with piece SVGs
// (wK.svg, bQ.svg, ...) is configured the pieces are rasterized from it;
// otherwise a letter-glyph fallback keeps snapshots usable with no
// assets installed.
type Renderer struct {
	themeDir string

	cacheMu sync.RWMutex
	cache   map[pieceKey]image.Image
}

type pieceKey struct {
	piece nchess.Piece
	size  int
}

func NewRenderer(themeDir string) *Renderer {
	return &Renderer{
		themeDir: themeDir,
		cache:    map[pieceKey]image.Image{},
	}
}

// RenderPNG draws the given board, optionally highlighting a move.
func (r *Renderer) RenderPNG(board *nchess.Board, highlight *Highlight) ([]byte, error) {
	if board == nil {
		return nil, fmt.Errorf("board is nil")
	}

	boardSize := squareSize * boardSquares
	total := boardSize + margin*2
	img := image.NewRGBA(image.Rect(0, 0, total, total))
	imagedraw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, imagedraw.Src)

	origin := image.Point{X: margin, Y: margin}
	drawSquares(img, origin)
	if highlight != nil {
		drawSquareOverlay(img, highlight.From, origin)
		drawSquareOverlay(img, highlight.To, origin)
	}
	if err := r.drawPieces(img, board, origin); err != nil {
		return nil, err
	}
	drawCoordinates(img, origin)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode board png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawSquares(dst imagedraw.Image, origin image.Point) {
	for row, rank := range ranks {
		for col, file := range files {
			x := origin.X + col*squareSize
			y := origin.Y + row*squareSize
			clr := lightSquareColor
			if (int(rank)+int(file))%2 == 0 {
				clr = darkSquareColor
			}
			imagedraw.Draw(dst, image.Rect(x, y, x+squareSize, y+squareSize), image.NewUniform(clr), image.Point{}, imagedraw.Src)
		}
	}
}

func drawSquareOverlay(img *image.RGBA, sq nchess.Square, origin image.Point) {
	col := int(sq.File())
	row := 7 - int(sq.Rank())
	x := origin.X + col*squareSize
	y := origin.Y + row*squareSize
	imagedraw.Draw(img, image.Rect(x, y, x+squareSize, y+squareSize), image.NewUniform(highlightFill), image.Point{}, imagedraw.Over)
}

func (r *Renderer) drawPieces(dst *image.RGBA, board *nchess.Board, origin image.Point) error {
	boardMap := board.SquareMap()
	for row, rank := range ranks {
		for col, file := range files {
			sq := nchess.NewSquare(file, rank)
			piece := boardMap[sq]
			if piece == nchess.NoPiece {
				continue
			}
			x := origin.X + col*squareSize
			y := origin.Y + row*squareSize
			rect := image.Rect(x, y, x+squareSize, y+squareSize)

			img, err := r.pieceImage(piece, squareSize)
			if err != nil {
				return err
			}
			if img != nil {
				imagedraw.Draw(dst, rect, img, image.Point{}, imagedraw.Over)
				continue
			}
			drawPieceGlyph(dst, piece, rect)
		}
	}
	return nil
}

// pieceImage rasterizes the themed SVG for a piece, caching per size.
// Returns nil with no error when no theme is configured or the asset is
// missing, which selects the glyph fallback.
func (r *Renderer) pieceImage(piece nchess.Piece, size int) (image.Image, error) {
	if r.themeDir == "" {
		return nil, nil
	}

	key := pieceKey{piece: piece, size: size}
	r.cacheMu.RLock()
	if img, ok := r.cache[key]; ok {
		r.cacheMu.RUnlock()
		return img, nil
	}
	r.cacheMu.RUnlock()

	data, err := os.ReadFile(filepath.Join(r.themeDir, pieceAssetName(piece)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read piece asset: %w", err)
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse piece svg: %w", err)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	raster := rasterx.NewDasher(size, size, scanner)
	icon.Draw(raster, 1.0)

	r.cacheMu.Lock()
	r.cache[key] = img
	r.cacheMu.Unlock()
	return img, nil
}

func pieceAssetName(piece nchess.Piece) string {
	prefix := "b"
	if piece.Color() == nchess.White {
		prefix = "w"
	}
	return prefix + pieceLetter(piece) + ".svg"
}

func pieceLetter(piece nchess.Piece) string {
	switch piece.Type() {
	case nchess.King:
		return "K"
	case nchess.Queen:
		return "Q"
	case nchess.Rook:
		return "R"
	case nchess.Bishop:
		return "B"
	case nchess.Knight:
		return "N"
	default:
		return "P"
	}
}

// drawPieceGlyph draws the piece letter centered in its square, scaled
// up from the 7x13 basicfont by integer replication.
func drawPieceGlyph(dst *image.RGBA, piece nchess.Piece, rect image.Rectangle) {
	clr := blackGlyphColor
	if piece.Color() == nchess.White {
		clr = whiteGlyphColor
	}

	face := basicfont.Face7x13
	letter := pieceLetter(piece)

	const scale = 4
	glyphW := font.MeasureString(face, letter).Ceil() * scale
	glyphH := face.Metrics().Ascent.Ceil() * scale

	small := image.NewRGBA(image.Rect(0, 0, rect.Dx()/scale, rect.Dy()/scale))
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(clr),
		Face: face,
		Dot: fixed.P(
			(rect.Dx()/scale-glyphW/scale)/2,
			(rect.Dy()/scale+glyphH/scale)/2,
		),
	}
	drawer.DrawString(letter)

	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			c := small.RGBAAt(x/scale, y/scale)
			if c.A == 0 {
				continue
			}
			dst.SetRGBA(rect.Min.X+x, rect.Min.Y+y, c)
		}
	}
}

func drawCoordinates(dst *image.RGBA, origin image.Point) {
	face := basicfont.Face7x13
	boardSize := squareSize * boardSquares

	for col, file := range files {
		label := file.String()
		drawer := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(coordinateColor),
			Face: face,
			Dot: fixed.P(
				origin.X+col*squareSize+squareSize/2-3,
				origin.Y+boardSize+margin-6,
			),
		}
		drawer.DrawString(label)
	}

	for row, rank := range ranks {
		label := rank.String()
		drawer := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(coordinateColor),
			Face: face,
			Dot: fixed.P(
				origin.X-margin+6,
				origin.Y+row*squareSize+squareSize/2+4,
			),
		}
		drawer.DrawString(label)
	}
}
