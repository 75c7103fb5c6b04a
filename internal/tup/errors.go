package tup

import (
	"errors"

	"github.com/tuannm99/novatup/internal/catalog"
	"github.com/tuannm99/novatup/internal/copybuf"
	"github.com/tuannm99/novatup/internal/heap"
	"github.com/tuannm99/novatup/internal/oprec"
	"github.com/tuannm99/novatup/internal/record"
	"github.com/tuannm99/novatup/internal/wal"
)

var (
	ErrRowLocked        = errors.New("tup: row has operations of another transaction")
	ErrRowNotFound      = errors.New("tup: row not found")
	ErrVersionNotFound  = errors.New("tup: row version not found")
	ErrNotPrepared      = errors.New("tup: operation is not prepared")
	ErrWrongKind        = errors.New("tup: operation kind does not allow this")
	ErrCommitInProgress = errors.New("tup: commit of the operation is in progress")
	ErrFragmentBroken   = errors.New("tup: fragment stopped after an internal error")
	ErrNoDiskManager    = errors.New("tup: table has disk attributes but no disk collaborators")
	ErrDiskFull         = errors.New("tup: no free disk record")
	ErrCheckpointActive = errors.New("tup: checkpoint already running on fragment")
	ErrNoCheckpoint     = errors.New("tup: no checkpoint running on fragment")
	ErrBuildBusy        = errors.New("tup: too many index builds running")
	ErrNoSuchBuild      = errors.New("tup: no such index build")
)

// Error codes returned to the environment. 1xx are resource shortages the
// caller recovers from by aborting, 2xx reject a DDL step, 3xx reject a
// row operation and 9xx mean the fragment has stopped.
const (
	CodeOK = 0

	CodeNoPages        = 101
	CodeNoPageRange    = 102
	CodeNoTableSlot    = 103
	CodeNoFragmentSlot = 104
	CodeNoOpRecord     = 105
	CodeNoCopySpace    = 106
	CodeNoUndoSpace    = 107
	CodeNoDiskSpace    = 108
	CodeBuildBusy      = 109
	CodeNoVarSpace     = 110

	CodeTooManyAttributes = 201
	CodeTupleTooLarge     = 202
	CodeInconsistentNulls = 203
	CodeSchemaMismatch    = 204
	CodeUnsupportedLayout = 205
	CodeDuplicateFragment = 206
	CodeBadDescriptor     = 207
	CodeNoSuchTable       = 208
	CodeNoSuchFragment    = 209
	CodeTableBusy         = 210

	CodeRowLocked   = 301
	CodeRowNotFound = 302
	CodeStaleHandle = 303
	CodeNotPrepared = 304
	CodeBadValue    = 305

	CodeFragmentBroken = 901
	CodeInternal       = 999
)

var codeTable = []struct {
	err  error
	code int
}{
	{ErrFragmentBroken, CodeFragmentBroken},

	{catalog.ErrNoPages, CodeNoPages},
	{catalog.ErrNoPageRange, CodeNoPageRange},
	{catalog.ErrNoTableSlot, CodeNoTableSlot},
	{catalog.ErrNoFragmentSlot, CodeNoFragmentSlot},
	{oprec.ErrNoOpRecord, CodeNoOpRecord},
	{copybuf.ErrNoCopySpace, CodeNoCopySpace},
	{wal.ErrNoUndoSpace, CodeNoUndoSpace},
	{wal.ErrBufferFull, CodeNoUndoSpace},
	{ErrDiskFull, CodeNoDiskSpace},
	{ErrBuildBusy, CodeBuildBusy},
	{heap.ErrNoVarSpace, CodeNoVarSpace},

	{catalog.ErrTooManyAttributes, CodeTooManyAttributes},
	{catalog.ErrNoAttributes, CodeTooManyAttributes},
	{catalog.ErrTupleTooLarge, CodeTupleTooLarge},
	{catalog.ErrInconsistentNulls, CodeInconsistentNulls},
	{catalog.ErrSchemaMismatch, CodeSchemaMismatch},
	{catalog.ErrAttributesIncomplete, CodeSchemaMismatch},
	{catalog.ErrUnsupportedLayout, CodeUnsupportedLayout},
	{catalog.ErrDuplicateFragment, CodeDuplicateFragment},
	{record.ErrBadDescriptor, CodeBadDescriptor},
	{record.ErrVarOnDisk, CodeUnsupportedLayout},
	{catalog.ErrNoSuchTable, CodeNoSuchTable},
	{catalog.ErrNoSuchFragment, CodeNoSuchFragment},
	{catalog.ErrTableBusy, CodeTableBusy},

	{ErrRowLocked, CodeRowLocked},
	{ErrRowNotFound, CodeRowNotFound},
	{oprec.ErrStaleHandle, CodeStaleHandle},
	{ErrNotPrepared, CodeNotPrepared},
	{record.ErrSchemaMismatch, CodeBadValue},
	{record.ErrVarTooLong, CodeBadValue},
	{record.ErrUnsupportedType, CodeBadValue},
}

// ErrorCode maps an error to the numeric code reported to the caller.
func ErrorCode(err error) int {
	if err == nil {
		return CodeOK
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}
