package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Authorizer checks subjects against a casbin ACL model and policy.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New loads the ACL model and policy files.
func New(model, policy string) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(model, policy)
	if err != nil {
		return nil, fmt.Errorf("load acl %s, %s: %w", model, policy, err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Authorize returns a PermissionDenied status when subject may not perform action on object.
func (a *Authorizer) Authorize(subject, object, action string) error {
	ok, err := a.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !ok {
		msg := fmt.Sprintf("%s not permitted to %s to %s", subject, action, object)
		st := status.New(codes.PermissionDenied, msg)
		return st.Err()
	}
	return nil
}
