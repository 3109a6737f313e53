package errs

const (
	ServerInternalError = 500
	ArgsError           = 1001
	RecordNotFoundError = 1004
	TokenInvalidError   = 1501
	TokenExpiredError   = 1502
	UnauthorizedError   = 1503
	ConflictError       = 1601
	UnavailableError    = 1701
)

var (
	ErrInternal       = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs           = NewCodeError(ArgsError, "ArgsError")
	ErrRecordNotFound = NewCodeError(RecordNotFoundError, "RecordNotFoundError")
	ErrTokenInvalid   = NewCodeError(TokenInvalidError, "TokenInvalidError")
	ErrTokenExpired   = NewCodeError(TokenExpiredError, "TokenExpiredError")
	ErrUnauthorized   = NewCodeError(UnauthorizedError, "UnauthorizedError")
	ErrConflict       = NewCodeError(ConflictError, "ConflictError")
	ErrUnavailable    = NewCodeError(UnavailableError, "ServiceUnavailable")
)
