package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/spid-oidc/go-rp/internal/timeutil"
	"github.com/spid-oidc/go-rp/pkg/oidf"
)

type AuthRequestManager struct {
	Requests map[string]*oidf.AuthRequest
	mu       sync.Mutex
}

func NewAuthRequestManager() *AuthRequestManager {
	return &AuthRequestManager{
		Requests: make(map[string]*oidf.AuthRequest),
	}
}

func (m *AuthRequestManager) Request(_ context.Context, state string) (*oidf.AuthRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.Requests[state]
	if !ok {
		return nil, oidf.ErrNotFound
	}

	copied := *request
	return &copied, nil
}

// Save stores the record write-once: a colliding state fails the request.
func (m *AuthRequestManager) Save(_ context.Context, request *oidf.AuthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Requests[request.State]; ok {
		return oidf.NewError(oidf.CodeConflictingState, fmt.Sprintf("an authorization request with state %q already exists", request.State))
	}

	copied := *request
	copied.CreatedAt = timeutil.TimestampNow()
	m.Requests[request.State] = &copied
	return nil
}

var _ oidf.AuthRequestManager = NewAuthRequestManager()
