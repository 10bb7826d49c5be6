package replset

import (
	"sync/atomic"
	"time"

	"github.com/couchbase/replset-gateway/utils/hostutils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultHaInterval            = 10 * time.Second
	DefaultMinHeartbeatFrequency = 500 * time.Millisecond
	DefaultLocalThreshold        = 15 * time.Millisecond
	DefaultConnectionTimeout     = 2 * time.Second
	DefaultConnectStagger        = 1 * time.Millisecond
)

// DefaultAuthMechanisms lists the mechanisms accepted by Auth when
// Options.AuthMechanisms is empty.
var DefaultAuthMechanisms = []string{
	"default",
	"mongocr",
	"x509",
	"plain",
	"scram-sha-1",
	"scram-sha-256",
}

// UnreachablePolicy controls what happens once the initial sweep finishes
// without finding a member able to serve the topology.
type UnreachablePolicy int

const (
	// UnreachableDestroy emits an error and destroys the topology.
	UnreachableDestroy UnreachablePolicy = iota

	// UnreachableRetry emits an error and keeps retrying discovery.
	UnreachableRetry
)

func (p UnreachablePolicy) String() string {
	switch p {
	case UnreachableDestroy:
		return "destroy"
	case UnreachableRetry:
		return "retry"
	}
	return "unknown"
}

func ParseUnreachablePolicy(s string) (UnreachablePolicy, error) {
	switch s {
	case "", "destroy":
		return UnreachableDestroy, nil
	case "retry":
		return UnreachableRetry, nil
	}
	return UnreachableDestroy, errors.Errorf("unknown unreachable policy %q", s)
}

type Seed struct {
	Host string
	Port int
}

func (s Seed) Address() string {
	return hostutils.JoinHostPort(s.Host, s.Port)
}

// ParseSeeds parses a list of host:port strings, applying the default port
// where none is given.
func ParseSeeds(addrs []string) ([]Seed, error) {
	seeds := make([]Seed, 0, len(addrs))
	for _, addr := range addrs {
		host, port, err := hostutils.SplitHostPort(addr, 27017)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid seed %q", addr)
		}
		seeds = append(seeds, Seed{Host: host, Port: port})
	}
	return seeds, nil
}

// IDGenerator hands out topology identifiers.
type IDGenerator interface {
	NextID() uint64
}

type IDGeneratorFunc func() uint64

func (f IDGeneratorFunc) NextID() uint64 {
	return f()
}

type SequentialIDGenerator struct {
	last atomic.Uint64
}

var _ IDGenerator = (*SequentialIDGenerator)(nil)

func NewSequentialIDGenerator() *SequentialIDGenerator {
	return &SequentialIDGenerator{}
}

func (g *SequentialIDGenerator) NextID() uint64 {
	return g.last.Add(1)
}

type Options struct {
	Logger *zap.Logger

	// SetName is the replica set name every primary must report.
	SetName string

	HaInterval            time.Duration
	MinHeartbeatFrequency time.Duration
	LocalThreshold        time.Duration

	// SocketTimeout is passed to the nodes, and must exceed HaInterval when
	// set.
	SocketTimeout time.Duration

	// ConnectionTimeout bounds both node handshakes and heartbeats.
	ConnectionTimeout time.Duration

	// ConnectStagger is the delay added between successive connection
	// attempts within one batch.
	ConnectStagger time.Duration

	SecondaryOnlyConnectionAllowed bool
	UnreachablePolicy              UnreachablePolicy

	// Debug enables pickedServer diagnostics.
	Debug bool

	AuthMechanisms []string

	NodeFactory       NodeFactory
	CursorFactory     CursorFactory
	DisconnectHandler DisconnectHandler

	// IDGenerator numbers the topology.  When unset each topology gets a
	// private counter and so always reports ID 1.
	IDGenerator IDGenerator
}

func (opts *Options) validate() error {
	if opts.NodeFactory == nil {
		return errors.New("a node factory must be provided")
	}
	if opts.HaInterval < 0 {
		return errors.New("haInterval must not be negative")
	}
	if opts.MinHeartbeatFrequency < 0 {
		return errors.New("minHeartbeatFrequency must not be negative")
	}
	if opts.LocalThreshold < 0 {
		return errors.New("localThreshold must not be negative")
	}
	if opts.SocketTimeout < 0 {
		return errors.New("socketTimeout must not be negative")
	}
	if opts.ConnectionTimeout < 0 {
		return errors.New("connectionTimeout must not be negative")
	}
	if opts.UnreachablePolicy != UnreachableDestroy && opts.UnreachablePolicy != UnreachableRetry {
		return errors.Errorf("invalid unreachable policy %d", opts.UnreachablePolicy)
	}
	return nil
}

func (opts *Options) withDefaults() *Options {
	out := *opts

	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.HaInterval == 0 {
		out.HaInterval = DefaultHaInterval
	}
	if out.MinHeartbeatFrequency == 0 {
		out.MinHeartbeatFrequency = DefaultMinHeartbeatFrequency
	}
	if out.LocalThreshold == 0 {
		out.LocalThreshold = DefaultLocalThreshold
	}
	if out.ConnectionTimeout == 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.ConnectStagger == 0 {
		out.ConnectStagger = DefaultConnectStagger
	}
	if len(out.AuthMechanisms) == 0 {
		out.AuthMechanisms = DefaultAuthMechanisms
	}
	if out.CursorFactory == nil {
		out.CursorFactory = CursorFactoryFunc(newCommandCursor)
	}
	if out.IDGenerator == nil {
		out.IDGenerator = NewSequentialIDGenerator()
	}

	return &out
}

func validateSeeds(seeds []Seed) error {
	if len(seeds) == 0 {
		return errors.New("seedlist must contain at least one entry")
	}
	for _, seed := range seeds {
		if seed.Host == "" || seed.Port <= 0 || seed.Port > 65535 {
			return errors.New("seedlist entry must contain a host and port")
		}
	}
	return nil
}

// ConnectOptions carries per-Connect overrides.
type ConnectOptions struct {
	// SocketTimeout overrides Options.SocketTimeout when non-zero.
	SocketTimeout time.Duration
}

type DestroyOptions struct {
	// Force tears down node connections without waiting for in-flight
	// operations.
	Force bool
}
