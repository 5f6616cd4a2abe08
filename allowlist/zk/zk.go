// Package zk looks callers up in a ZooKeeper registry.
//
// Layout under root:
//
//	<root>/writers/<caller>
//	<root>/operators/<caller>
//
// A caller is authorized while its node exists. Writers usually register
// ephemeral nodes, so a ledger instance that loses its session loses write
// access with it.
package zk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/unkn0wn-root/ledgercache"
)

const (
	GroupWriters   = "writers"
	GroupOperators = "operators"
)

var ErrNotConnected = errors.New("zk: not connected")

// conn is the subset of *zk.Conn the registry uses.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	State() zk.State
	Close()
}

type Registry struct {
	conn conn
	root string
}

// Dial connects to servers and waits up to timeout for a session.
func Dial(servers []string, root string, timeout time.Duration) (*Registry, error) {
	c, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	r := &Registry{conn: c, root: strings.TrimRight(root, "/")}
	if err := r.waitConnected(timeout); err != nil {
		c.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registry) path(group string, c ledgercache.Caller) string {
	p := r.root + "/" + group
	if c != "" {
		p += "/" + url.PathEscape(string(c))
	}
	return p
}

// Register adds caller to group, creating parent nodes as needed.
func (r *Registry) Register(group string, c ledgercache.Caller, ephemeral bool) error {
	if c == "" {
		return fmt.Errorf("zk: empty caller")
	}
	if err := r.ensurePath(r.path(group, "")); err != nil {
		return fmt.Errorf("zk: ensure %s: %w", group, err)
	}
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := r.conn.Create(r.path(group, c), nil, flags, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("zk: register %s/%s: %w", group, c, err)
	}
	return nil
}

// Revoke removes caller from group; revoking an absent caller is a no-op.
func (r *Registry) Revoke(group string, c ledgercache.Caller) error {
	err := r.conn.Delete(r.path(group, c), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zk: revoke %s/%s: %w", group, c, err)
	}
	return nil
}

// Members lists a group.
func (r *Registry) Members(group string) ([]ledgercache.Caller, error) {
	children, _, err := r.conn.Children(r.path(group, ""))
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zk: children %s: %w", group, err)
	}
	out := make([]ledgercache.Caller, 0, len(children))
	for _, ch := range children {
		name, err := url.PathUnescape(ch)
		if err != nil {
			continue
		}
		out = append(out, ledgercache.Caller(name))
	}
	return out, nil
}

// Group returns an Authorizer that checks membership in group on every call.
func (r *Registry) Group(group string) ledgercache.Authorizer {
	return ledgercache.AuthorizerFunc(func(_ context.Context, c ledgercache.Caller) (bool, error) {
		if c == "" {
			return false, nil
		}
		if st := r.conn.State(); st != zk.StateHasSession && st != zk.StateConnected {
			return false, fmt.Errorf("%w: state=%v", ErrNotConnected, st)
		}
		ok, _, err := r.conn.Exists(r.path(group, c))
		if err != nil {
			return false, fmt.Errorf("zk: exists %s/%s: %w", group, c, err)
		}
		return ok, nil
	})
}

func (r *Registry) Writers() ledgercache.Authorizer   { return r.Group(GroupWriters) }
func (r *Registry) Operators() ledgercache.Authorizer { return r.Group(GroupOperators) }

func (r *Registry) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur += "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s, state=%v", ErrNotConnected, timeout, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
