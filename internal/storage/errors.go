package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is returned when events cannot be written because the
	// datasource is missing, disabled or unreachable.
	ErrStoreUnavailable = errors.New("event store unavailable")
	// ErrSchemaVerification is returned when the events table is missing or lacks columns.
	ErrSchemaVerification = errors.New("event table verification failed")

	ErrDatasourceNotFound = fmt.Errorf("%w: datasource not found", ErrStoreUnavailable)
	ErrDatasourceDisabled = fmt.Errorf("%w: datasource disabled", ErrStoreUnavailable)
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")
	// ErrStatementFailed marks any other failed statement against a reachable database.
	ErrStatementFailed = errors.New("event store statement failed")
)
