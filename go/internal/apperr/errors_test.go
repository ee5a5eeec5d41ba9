package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "direct", err: Conflict("duplicate press"), want: KindConflict},
		{name: "wrapped", err: fmt.Errorf("press: %w", NotFound("unknown code")), want: KindNotFound},
		{name: "collaborator", err: Collaborator("save scores", errors.New("boom")), want: KindCollaborator},
		{name: "plain", err: errors.New("boom"), want: ""},
		{name: "nil", err: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestReasonOfHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "code disabled", ReasonOf(Conflict("code disabled")))
	assert.Equal(t, "internal error", ReasonOf(errors.New("pq: connection refused")))
}

func TestIsComparesKindAndReason(t *testing.T) {
	err := fmt.Errorf("confirm: %w", Conflict("nothing to confirm"))

	assert.True(t, errors.Is(err, Conflict("nothing to confirm")))
	assert.False(t, errors.Is(err, Conflict("round not confirmable")))
	assert.False(t, errors.Is(err, Validation("nothing to confirm")))
}

func TestCollaboratorUnwraps(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := Collaborator("persist scores", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "deadlock detected")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Authorization("nope")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("busy")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("gone")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Exhausted("no codes")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Collaborator("db", nil)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}
