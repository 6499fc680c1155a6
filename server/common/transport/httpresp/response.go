package httpresp

const (
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrInsufficientRole   = "insufficient permissions"
	ErrInvalidRequestBody = "invalid request body"
	ErrInternal           = "internal error"
	ErrNotFound           = "not found"
	ErrSinceMustBeRFC3339 = "since must use RFC3339 format"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type IDResponse struct {
	ID string `json:"id"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}
