// Package ioshim implements the PGM P5 file collaborator and the event
// sink that spec.md §1 treats as external: out of the core's scope to
// design from scratch, but the core depends on the narrow interfaces
// declared in internal/gol (ImageIO) and here (Sink).
package ioshim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/coord"
)

// PGMIO reads initial grids from inputDir/{name}.pgm and writes snapshots
// to outputDir/{name}.pgm, per spec.md §6's file format section.
type PGMIO struct {
	inputDir  string
	outputDir string
}

// NewPGMIO returns a PGMIO rooted at the given directories.
func NewPGMIO(inputDir, outputDir string) *PGMIO {
	return &PGMIO{inputDir: inputDir, outputDir: outputDir}
}

// ReadInitial reads inputDir/{name}.pgm and packs its alive (non-zero)
// pixels into an AliveSet at geometry derived from the file's own width.
func (p *PGMIO) ReadInitial(_ context.Context, name string) (*cellset.AliveSet, error) {
	path := filepath.Join(p.inputDir, name+".pgm")
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("ioshim: opening %s: %w", path, err)
	}
	defer f.Close()

	width, height, pixels, err := decodePGM(f)
	if err != nil {
		return nil, xerrors.Errorf("ioshim: decoding %s: %w", path, err)
	}

	geom, err := cellset.NewGeometry(width)
	if err != nil {
		return nil, err
	}
	if width != height {
		return nil, xerrors.Errorf("ioshim: %s is %dx%d, want a square image", path, width, height)
	}

	alive := cellset.NewAliveSet(len(pixels) / 8)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			if pixels[y*width+x] != 0 {
				alive.Add(coord.Pack(x, y, geom.K))
			}
		}
	}
	return alive, nil
}

// WritePGM writes alive's members as a square P5 image of edge geom.N to
// outputDir/{name}.pgm.
func (p *PGMIO) WritePGM(_ context.Context, name string, alive *cellset.AliveSet, geom cellset.Geometry) error {
	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return xerrors.Errorf("ioshim: creating output dir %s: %w", p.outputDir, err)
	}
	path := filepath.Join(p.outputDir, name+".pgm")
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("ioshim: creating %s: %w", path, err)
	}
	defer f.Close()

	pixels := make([]byte, geom.N*geom.N)
	for _, p := range alive.Ordered() {
		x, y := coord.Unpack(p, geom.K)
		pixels[y*geom.N+x] = 255
	}
	return encodePGM(f, geom.N, geom.N, pixels)
}

func encodePGM(w io.Writer, width, height uint32, pixels []byte) error {
	header := fmt.Sprintf("P5\n%d %d\n255\n", width, height)
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(pixels)
	return err
}

func decodePGM(r io.Reader) (width, height uint32, pixels []byte, err error) {
	br := bufio.NewReader(r)

	magic, err := readToken(br)
	if err != nil {
		return 0, 0, nil, err
	}
	if magic != "P5" {
		return 0, 0, nil, xerrors.Errorf("unsupported PGM magic %q, want P5", magic)
	}

	wTok, err := readToken(br)
	if err != nil {
		return 0, 0, nil, err
	}
	hTok, err := readToken(br)
	if err != nil {
		return 0, 0, nil, err
	}
	maxTok, err := readToken(br)
	if err != nil {
		return 0, 0, nil, err
	}

	w, err := strconv.ParseUint(wTok, 10, 32)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("parsing PGM width %q: %w", wTok, err)
	}
	h, err := strconv.ParseUint(hTok, 10, 32)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("parsing PGM height %q: %w", hTok, err)
	}
	maxVal, err := strconv.ParseUint(maxTok, 10, 32)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("parsing PGM maxval %q: %w", maxTok, err)
	}
	if maxVal != 255 {
		return 0, 0, nil, xerrors.Errorf("unsupported PGM maxval %d, want 255", maxVal)
	}

	pixels = make([]byte, w*h)
	if _, err := io.ReadFull(br, pixels); err != nil {
		return 0, 0, nil, xerrors.Errorf("reading %d raster bytes: %w", len(pixels), err)
	}
	return uint32(w), uint32(h), pixels, nil
}

// readToken reads one whitespace-delimited token, skipping '#' comments
// to end-of-line as PGM's "plain" header format allows.
func readToken(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			if _, err := br.ReadString('\n'); err != nil {
				return "", err
			}
			continue
		}
		if isPGMSpace(b) {
			if sb.Len() > 0 {
				break
			}
			continue
		}
		sb.WriteByte(b)
	}
	return sb.String(), nil
}

func isPGMSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
