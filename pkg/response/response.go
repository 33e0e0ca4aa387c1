package response

import "github.com/gin-gonic/gin"

// RequestIDKey is the gin context key the request-id middleware stores under.
const RequestIDKey = "requestID"

// Response represents a standard API response format
type Response struct {
	Status     string      `json:"status"`      // "success" or "error"
	StatusCode int         `json:"status_code"` // HTTP status code
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	RequestID  string      `json:"request_id,omitempty"`
}

// Success returns a standard success response wrapping the data
func Success(statusCode int, data interface{}) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
	}
}

// Error returns a standard error response wrapping the error message
func Error(statusCode int, err string) Response {
	return Response{
		Status:     "error",
		StatusCode: statusCode,
		Error:      err,
	}
}

// Abort stops the handler chain with an error envelope tagged with the
// request id, so a rejected call can be matched to its log line.
func Abort(c *gin.Context, statusCode int, err string) {
	res := Error(statusCode, err)
	res.RequestID = c.GetString(RequestIDKey)
	c.AbortWithStatusJSON(statusCode, res)
}
