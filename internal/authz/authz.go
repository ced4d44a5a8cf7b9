// Package authz answers "may this administrator touch that resource".
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrAuthorizationDenied is returned when an administrator lacks a right.
var ErrAuthorizationDenied = errors.New("authorization denied")

// Resource paths. Access rules are prefixes of these.
const (
	ResourceRoot = "/"

	ResourceAddCA     = "/ca_functionality/add_ca"
	ResourceEditCA    = "/ca_functionality/edit_ca"
	ResourceRemoveCA  = "/ca_functionality/remove_ca"
	ResourceViewCA    = "/ca_functionality/view_ca"
	ResourceCreateCRL = "/ca_functionality/create_crl"

	ResourceCreateCertificate = "/ca_functionality/create_certificate"
	ResourceRevokeCertificate = "/ca_functionality/revoke_certificate"

	ResourceEditValidator = "/ca_functionality/edit_validator"
	ResourceViewValidator = "/ca_functionality/view_validator"

	resourceCAPrefix = "/ca/"
)

// CAResource is the per-CA access rule for caID.
func CAResource(caID int32) string {
	return fmt.Sprintf("%s%d", resourceCAPrefix, caID)
}

// Admin identifies the caller of an operation.
type Admin struct {
	ID string

	// Internal admins act on behalf of the system (schedulers, CLI
	// maintenance) and pass every check.
	Internal bool
}

// System returns the internal administrator.
func System() Admin {
	return Admin{ID: "system", Internal: true}
}

func (a Admin) String() string {
	return a.ID
}

// Authorizer checks rights. All listed resources must be granted.
type Authorizer interface {
	// IsAuthorized logs the decision.
	IsAuthorized(ctx context.Context, admin Admin, resources ...string) bool
	// IsAuthorizedNoLogging is used on read paths that should stay quiet.
	IsAuthorizedNoLogging(ctx context.Context, admin Admin, resources ...string) bool
}

// RuleAuthorizer grants resources by prefix rules per administrator id.
type RuleAuthorizer struct {
	mu    sync.RWMutex
	rules map[string][]string
	log   *logrus.Entry
}

var _ Authorizer = (*RuleAuthorizer)(nil)

// NewRuleAuthorizer returns an authorizer with no grants.
func NewRuleAuthorizer(log *logrus.Entry) *RuleAuthorizer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RuleAuthorizer{
		rules: make(map[string][]string),
		log:   log.WithField("component", "authz"),
	}
}

// Grant adds access rules to an administrator. "/" grants everything.
func (r *RuleAuthorizer) Grant(adminID string, resources ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[adminID] = append(r.rules[adminID], resources...)
}

// Revoke removes every rule of an administrator.
func (r *RuleAuthorizer) Revoke(adminID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, adminID)
}

func (r *RuleAuthorizer) IsAuthorized(ctx context.Context, admin Admin, resources ...string) bool {
	ok := r.IsAuthorizedNoLogging(ctx, admin, resources...)
	entry := r.log.WithFields(logrus.Fields{"admin": admin.ID, "resources": strings.Join(resources, ",")})
	if ok {
		entry.Debug("access granted")
	} else {
		entry.Info("access denied")
	}
	return ok
}

func (r *RuleAuthorizer) IsAuthorizedNoLogging(_ context.Context, admin Admin, resources ...string) bool {
	if admin.Internal {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := r.rules[admin.ID]
	for _, res := range resources {
		if !matchAny(rules, res) {
			return false
		}
	}
	return true
}

func matchAny(rules []string, resource string) bool {
	for _, rule := range rules {
		if matches(rule, resource) {
			return true
		}
	}
	return false
}

// matches reports whether rule covers resource on a path boundary.
func matches(rule, resource string) bool {
	if rule == ResourceRoot || rule == resource {
		return true
	}
	rule = strings.TrimSuffix(rule, "/")
	return strings.HasPrefix(resource, rule+"/")
}
