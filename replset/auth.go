package replset

import (
	"context"
	"fmt"
	"strings"

	"github.com/couchbase/replset-gateway/replset/opstore"
	"github.com/couchbase/replset-gateway/utils/fanin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// applyAuthContexts replays every recorded auth context against node, in the
// order they were issued.  Arbiters carry no data and are skipped.
func (rs *ReplSet) applyAuthContexts(node Node, authContexts []*AuthContext) error {
	if len(authContexts) == 0 {
		return nil
	}

	if res := node.LastIsMaster(); res != nil && res.ArbiterOnly {
		return nil
	}

	for _, authCtx := range authContexts {
		if err := node.Auth(rs.closeCtx, authCtx); err != nil {
			return errors.Wrapf(err, "auth against db %s failed", authCtx.DB)
		}
	}

	return nil
}

func nodeErrors(res *fanin.Result) []*NodeError {
	var out []*NodeError
	for _, err := range res.Errors {
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			out = append(out, nodeErr)
		} else {
			out = append(out, &NodeError{Cause: err})
		}
	}
	return out
}

// Auth authenticates every data bearing member and records the credentials
// so that members joining later are authenticated too.
func (rs *ReplSet) Auth(ctx context.Context, mechanism, db string, creds Credentials) error {
	if !slices.Contains(rs.opts.AuthMechanisms, strings.ToLower(mechanism)) {
		return &UnknownAuthProviderError{Mechanism: mechanism}
	}

	rs.lock.Lock()

	if rs.authenticating {
		rs.lock.Unlock()
		return ErrAuthInProgress
	}

	secondaryOnly := rs.opts.SecondaryOnlyConnectionAllowed
	if rs.opts.DisconnectHandler != nil &&
		(!rs.members.HasPrimary() || (secondaryOnly && !rs.members.HasSecondary())) {
		requirement := opstore.RequirePrimary
		if secondaryOnly {
			requirement = opstore.RequireAny
		}

		deferred := opstore.NewOperation(ctx, "auth", db, requirement,
			func(ctx context.Context) (any, error) {
				return nil, rs.Auth(ctx, mechanism, db, creds)
			})
		err := rs.deferLocked(deferred)
		rs.lock.Unlock()
		if err != nil {
			return err
		}

		_, err = deferred.Wait()
		return err
	}

	rs.authenticating = true

	authCtx := &AuthContext{
		Mechanism:   mechanism,
		DB:          db,
		Credentials: creds,
	}
	rs.authContexts = append(rs.authContexts, authCtx)

	servers := rs.members.AllServers(false)

	rs.lock.Unlock()

	var group fanin.Group
	for _, m := range servers {
		if res := m.LastIsMaster(); res != nil && res.ArbiterOnly {
			continue
		}

		node := m.Node().(Node)
		group.Go(func() error {
			if err := node.Auth(ctx, authCtx); err != nil {
				return &NodeError{Address: node.Name(), Cause: err}
			}
			return nil
		})
	}
	res := group.Wait()

	rs.lock.Lock()
	defer rs.lock.Unlock()

	rs.authenticating = false

	if res.Failed() > 0 {
		if idx := slices.Index(rs.authContexts, authCtx); idx >= 0 {
			rs.authContexts = slices.Delete(rs.authContexts, idx, idx+1)
		}

		rs.logger.Warn("authentication failed",
			zap.String("db", db),
			zap.Int("failed", res.Failed()),
			zap.Error(res.Err()))

		return &AuthenticationError{
			Message: "authentication fail",
			Errors:  nodeErrors(res),
		}
	}

	return nil
}

// Logout forgets every auth context recorded for db and logs every member
// out of it.
func (rs *ReplSet) Logout(ctx context.Context, db string) error {
	rs.lock.Lock()

	if rs.authenticating {
		rs.lock.Unlock()
		return ErrAuthInProgress
	}

	rs.authenticating = true

	rs.authContexts = slices.DeleteFunc(rs.authContexts, func(authCtx *AuthContext) bool {
		return authCtx.DB == db
	})

	servers := rs.members.AllServers(false)

	rs.lock.Unlock()

	var group fanin.Group
	for _, m := range servers {
		node := m.Node().(Node)
		group.Go(func() error {
			if err := node.Logout(ctx, db); err != nil {
				return &NodeError{Address: node.Name(), Cause: err}
			}
			return nil
		})
	}
	res := group.Wait()

	rs.lock.Lock()
	rs.authenticating = false
	rs.lock.Unlock()

	if res.Failed() > 0 {
		return &AuthenticationError{
			Message: fmt.Sprintf("logout failed against db %s", db),
			Errors:  nodeErrors(res),
		}
	}

	return nil
}
