package replset

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	ErrTopologyDestroyed = errors.New("topology was destroyed")
	ErrNoPrimaryServer   = errors.New("no primary server found")
	ErrAuthInProgress    = errors.New("authentication or logout already in process")
	ErrNoPrimaryFound    = errors.New("no primary found in replicaset or invalid replica set name")
	ErrNoSecondaryFound  = errors.New("no secondary found in replicaset or invalid replica set name")
)

// NoServerForReadPreferenceError is returned when server selection produced
// no candidate without reporting a reason.
type NoServerForReadPreferenceError struct {
	ReadPreference *readpref.ReadPref
}

func (e *NoServerForReadPreferenceError) Error() string {
	return fmt.Sprintf("no server found that matches the provided readPreference %s", readPrefMode(e.ReadPreference))
}

type UnknownAuthProviderError struct {
	Mechanism string
}

func (e *UnknownAuthProviderError) Error() string {
	return fmt.Sprintf("auth provider %s does not exist", e.Mechanism)
}

// NodeError associates an error with the node which produced it.
type NodeError struct {
	Address string
	Cause   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Address, e.Cause)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// AuthenticationError aggregates the per-node failures of an auth or logout
// cycle.
type AuthenticationError struct {
	Message string
	Errors  []*NodeError
}

func (e *AuthenticationError) Error() string {
	if len(e.Errors) == 0 {
		return e.Message
	}

	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%s: [%s]", e.Message, strings.Join(parts, ", "))
}

func (e *AuthenticationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err
	}
	return errs
}

// SocketTimeoutError is returned by Connect when the heartbeat interval
// could never complete within the configured socket timeout.
type SocketTimeoutError struct {
	HaInterval    time.Duration
	SocketTimeout time.Duration
}

func (e *SocketTimeoutError) Error() string {
	return fmt.Sprintf("haInterval [%s] must be set to less than socketTimeout [%s]",
		e.HaInterval, e.SocketTimeout)
}
