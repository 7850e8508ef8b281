package http

import (
	"errors"
	"net/http"

	"github.com/yourhiddentrip/tripcollab/internal/domain"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionFull):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrInvalidUpdate),
		errors.Is(err, domain.ErrUnknownUpdateType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
