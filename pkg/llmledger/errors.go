package llmledger

import "errors"

var (
	// ErrBackendRequired is returned when a facade is constructed without a
	// usage backend.
	ErrBackendRequired = errors.New("backend is required")

	// ErrEmptyModel is returned when a tracked or checked request has an
	// empty or blank model name.
	ErrEmptyModel = errors.New("model name must not be empty")

	// ErrNegativeValue is returned when token counts, cost, or execution
	// time are negative.
	ErrNegativeValue = errors.New("token, cost and execution time values must not be negative")

	// ErrInvalidScope is returned for an unknown limit scope.
	ErrInvalidScope = errors.New("invalid limit scope")

	// ErrInvalidLimitType is returned for an unknown limit type.
	ErrInvalidLimitType = errors.New("invalid limit type")

	// ErrInvalidInterval is returned for an unknown interval unit or an
	// interval value below 1.
	ErrInvalidInterval = errors.New("invalid time interval")

	// ErrScopeFieldRequired is returned when a limit's scope names a
	// dimension the limit leaves unset (e.g. a USER-scope limit without a
	// username).
	ErrScopeFieldRequired = errors.New("limit scope requires its dimensional field")

	// ErrUnknownUser is returned when user-name enforcement is enabled and
	// the request names a user absent from the directory.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownProject is returned when project-name enforcement is
	// enabled and the request names a project absent from the directory.
	ErrUnknownProject = errors.New("unknown project")

	// ErrUserExists is returned when creating a user whose name is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrProjectExists is returned when creating a project whose name is
	// taken.
	ErrProjectExists = errors.New("project already exists")

	// ErrUserNotFound is returned when updating a missing user.
	ErrUserNotFound = errors.New("user not found")

	// ErrProjectNotFound is returned when updating a missing project.
	ErrProjectNotFound = errors.New("project not found")

	// ErrMigration is returned when schema bring-up fails; the accounting
	// facade refuses to start on it.
	ErrMigration = errors.New("schema migration failed")
)
