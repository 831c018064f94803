package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsInnerType(t *testing.T) {
	inner := New(LayerStore, TypePersistence, "insert text part", errors.New("boom"))
	wrapped := Wrap(LayerWorkflow, fmt.Errorf("commit: %w", inner), "commit turn")

	assert.Equal(t, TypePersistence, wrapped.Type)
	assert.Equal(t, LayerWorkflow, wrapped.Layer)
	assert.Equal(t, "commit turn: insert text part", wrapped.Message)
	assert.ErrorIs(t, wrapped, inner)
}

func TestWrapClassifiesPlainErrors(t *testing.T) {
	assert.Nil(t, Wrap(LayerHandler, nil, "noop"))
	assert.Equal(t, TypeTimeout, Wrap(LayerProvider, context.DeadlineExceeded, "stream").Type)
	assert.Equal(t, TypeInternal, Wrap(LayerProvider, errors.New("x"), "stream").Type)
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, Type(""), TypeOf(nil))
	assert.Equal(t, TypeForbidden, TypeOf(New(LayerWorkflow, TypeForbidden, "not owner", nil)))
	assert.True(t, Is(fmt.Errorf("x: %w", New(LayerAuth, TypeUnauthorized, "no token", nil)), TypeUnauthorized))
	assert.False(t, Is(nil, TypeInternal))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Type]int{
		TypeUnauthorized: http.StatusUnauthorized,
		TypeForbidden:    http.StatusForbidden,
		TypeNotFound:     http.StatusNotFound,
		TypeValidation:   http.StatusBadRequest,
		TypeConflict:     http.StatusConflict,
		TypeUpstream:     http.StatusBadGateway,
		TypeTimeout:      http.StatusGatewayTimeout,
		TypePersistence:  http.StatusInternalServerError,
		TypeInternal:     http.StatusInternalServerError,
	}
	for typ, status := range cases {
		assert.Equal(t, status, HTTPStatus(typ), typ)
	}
}
