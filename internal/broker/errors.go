package broker

import "golang.org/x/xerrors"

var (
	// ErrSliceExhausted is returned from ProcessGol when a band could not
	// be completed after M attempts across distinct workers (spec.md §4.F).
	ErrSliceExhausted = xerrors.New("broker: slice exhausted all worker attempts")
	// ErrNoWorkers is returned when ProcessGol is called with an empty pool.
	ErrNoWorkers = xerrors.New("broker: no subscribed workers")
)
