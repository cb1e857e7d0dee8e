package httpapi

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/skillgraph/rolepipe/api"
)

// errorEnvelope is the wire shape of every non-2xx response: the error
// code is keyed "error" inside a "detail" object, the shape existing
// dashboard callers already parse. Distinct from api.Error, whose code
// serializes as "code" inside status records.
type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

type errorDetail struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// httpStatusOf maps pipeline error codes to HTTP status codes. TIMEOUT
// and EXECUTION_ERROR describe workflow outcomes, not request handling,
// so they only reach this path through unexpected service errors and map
// to 500.
func httpStatusOf(code string) int {
	switch code {
	case api.ErrCodeValidation:
		return http.StatusBadRequest
	case api.ErrCodeNotFound:
		return http.StatusNotFound
	case api.ErrCodeEngine:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := api.AsError(err)
	if !ok {
		apiErr = &api.Error{
			Code:        api.ErrCodeInternal,
			Message:     "internal error",
			Recoverable: true,
		}
	}
	render.Status(r, httpStatusOf(apiErr.Code))
	render.JSON(w, r, errorEnvelope{Detail: errorDetail{
		Error:       apiErr.Code,
		Message:     apiErr.Message,
		Recoverable: apiErr.Recoverable,
	}})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
