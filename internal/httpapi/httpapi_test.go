package httpapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/fabfab/ragcore/internal/apperr"
)

func TestStatusForKnownKinds(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindInvalidInput, http.StatusBadRequest},
		{apperr.KindInvalidConfig, http.StatusBadRequest},
		{apperr.KindTimeout, http.StatusGatewayTimeout},
		{apperr.KindBackendUnavailable, http.StatusBadGateway},
		{apperr.KindDuplicate, http.StatusConflict},
		{apperr.KindDimensionMismatch, http.StatusInternalServerError},
	}
	for _, tt := range cases {
		err := apperr.New(tt.kind, "op", nil)
		if got := statusFor(err); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestStatusForUnclassifiedError(t *testing.T) {
	if got := statusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("statusFor(plain error) = %d, want %d", got, http.StatusInternalServerError)
	}
}
