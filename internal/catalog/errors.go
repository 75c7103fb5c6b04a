package catalog

import "errors"

var (
	ErrNoSuchTable          = errors.New("catalog: no such table")
	ErrNoSuchFragment       = errors.New("catalog: no such fragment")
	ErrNoTableSlot          = errors.New("catalog: no free table slot entry")
	ErrNoFragmentSlot       = errors.New("catalog: no free fragment slot")
	ErrDuplicateFragment    = errors.New("catalog: fragment already exists")
	ErrNoPageRange          = errors.New("catalog: no free page range")
	ErrNoPages              = errors.New("catalog: no free pages")
	ErrTooManyAttributes    = errors.New("catalog: too many attributes")
	ErrNoAttributes         = errors.New("catalog: table needs at least one attribute")
	ErrTupleTooLarge        = errors.New("catalog: tuple too large")
	ErrInconsistentNulls    = errors.New("catalog: inconsistent null attribute count")
	ErrSchemaMismatch       = errors.New("catalog: attribute stream disagrees with table")
	ErrUnsupportedLayout    = errors.New("catalog: var-size and disk attributes in one table")
	ErrTableBusy            = errors.New("catalog: table is being defined or dropped")
	ErrFragOpDone           = errors.New("catalog: fragment operation already finished")
	ErrAttributesIncomplete = errors.New("catalog: attribute stream not complete")
)
