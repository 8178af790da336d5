package ldap

import (
	"context"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/mock"
)

// MockSession is a mock implementation of Session for testing.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*ldap.SearchResult)
	return result, args.Error(1)
}

func (m *MockSession) Add(ctx context.Context, req *ldap.AddRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSession) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSession) ModifyDN(ctx context.Context, req *ldap.ModifyDNRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSession) Del(ctx context.Context, req *ldap.DelRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockSession) Extended(ctx context.Context, req *ldap.ExtendedRequest) (*ldap.ExtendedResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ldap.ExtendedResponse)
	return resp, args.Error(1)
}

func (m *MockSession) Capabilities(ctx context.Context) (ServerCapabilities, error) {
	args := m.Called(ctx)
	return args.Get(0).(ServerCapabilities), args.Error(1)
}

func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newTestEntry builds an entry from attribute name/value pairs.
func newTestEntry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

// hasControl reports whether req carries a control of type oid.
func hasControl(req *ldap.SearchRequest, oid string) bool {
	return ldap.FindControl(req.Controls, oid) != nil
}

// pagedResult wraps entries in a result whose paging control carries cookie.
func pagedResult(cookie string, entries ...*ldap.Entry) *ldap.SearchResult {
	paging := ldap.NewControlPaging(0)
	paging.SetCookie([]byte(cookie))
	return &ldap.SearchResult{Entries: entries, Controls: []ldap.Control{paging}}
}
