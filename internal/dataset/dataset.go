// Package dataset implements the dataset-file collaborator spec.md §6
// specifies: whitespace-separated real numbers, row-major, with
// row/column counts known ahead of time from configuration. Labels are
// one-hot rows of length nclasses. Reads are memoised behind a small
// LRU cache keyed on (file path, rows, cols) — grounded on go/r3dr/shortener.go's use
// of simplelru.LRUCache for its redirect cache — so a validation sweep
// that re-reads the same file every few iterations does not re-parse
// gigabytes of text each time.
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Error kinds, matching spec.md §7's dataset-error taxonomy: reported
// and the program terminates.
var (
	ErrNotFound      = errors.New("dataset: file not found")
	ErrTruncatedFile = errors.New("dataset: truncated file")
	ErrNonNumeric    = errors.New("dataset: non-numeric token")
)

// Error wraps a short reason with an errors.Is-compatible sentinel.
type Error struct {
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dataset: %s (%s): %v", e.Path, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Matrix is a parsed row-major dataset file.
type Matrix struct {
	Rows, Cols int
	Data       [][]float64
}

// Row returns example i's feature/label vector.
func (m *Matrix) Row(i int) []float64 { return m.Data[i] }

type cacheKey struct {
	path       string
	rows, cols int
}

// Cache memoises parsed dataset files by (path, rows, cols) so the
// same validation file is re-parsed at most once per distinct shape
// request within the cache's capacity.
type Cache struct {
	lru *lru.LRU[cacheKey, *Matrix]
}

// NewCache allocates a dataset cache holding up to capacity parsed
// files.
func NewCache(capacity int) *Cache {
	l, _ := lru.NewLRU[cacheKey, *Matrix](capacity, nil)
	return &Cache{lru: l}
}

// Load reads path as an nRows x nCols whitespace-separated real matrix,
// using the cache if an identical (path, nRows, nCols) request was
// already parsed.
func (c *Cache) Load(path string, nRows, nCols int) (*Matrix, error) {
	key := cacheKey{path: path, rows: nRows, cols: nCols}
	if m, ok := c.lru.Get(key); ok {
		return m, nil
	}
	m, err := Read(path, nRows, nCols)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, m)
	return m, nil
}

// Read parses path as an nRows x nCols whitespace-separated real
// matrix without consulting any cache.
func Read(path string, nRows, nCols int) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Path: path, Reason: "not found", Err: ErrNotFound}
		}
		return nil, &Error{Path: path, Reason: "cannot open", Err: err}
	}
	defer f.Close()

	data := make([][]float64, nRows)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Split(bufio.ScanWords)

	for r := 0; r < nRows; r++ {
		row := make([]float64, nCols)
		for c := 0; c < nCols; c++ {
			if !scanner.Scan() {
				return nil, &Error{Path: path, Reason: fmt.Sprintf("expected %d x %d values, ran out at row %d col %d", nRows, nCols, r, c), Err: ErrTruncatedFile}
			}
			tok := scanner.Text()
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, &Error{Path: path, Reason: fmt.Sprintf("token %q at row %d col %d", tok, r, c), Err: ErrNonNumeric}
			}
			row[c] = v
		}
		data[r] = row
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Path: path, Reason: "scan failed", Err: err}
	}
	return &Matrix{Rows: nRows, Cols: nCols, Data: data}, nil
}

// Batch selects a contiguous slice of rows [start, start+n) from a
// parsed matrix — the batch-selection hook spec.md §1 leaves as an
// external collaborator's concern, implemented here as the simplest
// contiguous-slice policy.
func Batch(m *Matrix, start, n int) [][]float64 {
	end := start + n
	if end > m.Rows {
		end = m.Rows
	}
	return m.Data[start:end]
}
