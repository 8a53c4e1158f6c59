package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/sectioning/internal/cluster"
	"github.com/dreamware/sectioning/internal/coordinator"
)

func TestRoutingCode(t *testing.T) {
	tests := []struct {
		err  error
		want cluster.ErrorCode
	}{
		{fmt.Errorf("%w 42", coordinator.ErrNoMaster), cluster.CodeNotMaster},
		{fmt.Errorf("%w 42", coordinator.ErrNoNode), cluster.CodeNotLoaded},
		{fmt.Errorf("%w: unknown operation", cluster.ErrBadRequest), cluster.CodeBadRequest},
		{fmt.Errorf("post: %w", cluster.ErrRemote), cluster.CodeRemote},
		{errors.New("boom"), cluster.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, routingCode(tt.err))
		})
	}
}

func TestNewServerDefaults(t *testing.T) {
	srv := newServer(0)
	assert.NotNil(t, srv.members)
	assert.NotNil(t, srv.dispatcher)
	assert.NotNil(t, srv.monitor)
	assert.Empty(t, srv.members.All())
}

func TestLogFatalIsReplaceable(t *testing.T) {
	orig := logFatal
	defer func() { logFatal = orig }()

	called := false
	logFatal = func(string, ...any) { called = true }
	logFatal("listen: %v", "boom")
	assert.True(t, called)
}
