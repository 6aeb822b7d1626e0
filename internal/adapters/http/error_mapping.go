package httpadapter

import (
	"net/http"

	"github.com/kirillkom/docflow/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrInvalidReference):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrConnectivity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error detail for server-side failures.
func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		if status == http.StatusServiceUnavailable {
			return "service temporarily unavailable"
		}
		return "internal error"
	}
	return err.Error()
}
