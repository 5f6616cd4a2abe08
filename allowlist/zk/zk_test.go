package zk

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory znode tree.
type fakeConn struct {
	mu    sync.Mutex
	nodes map[string]bool
	state zk.State
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]bool{}, state: zk.StateHasSession}
}

func (f *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[p], &zk.Stat{}, nil
}

func (f *fakeConn) Create(p string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[p] {
		return "", zk.ErrNodeExists
	}
	if parent := path.Dir(p); parent != "/" && !f.nodes[parent] {
		return "", zk.ErrNoNode
	}
	f.nodes[p] = true
	return p, nil
}

func (f *fakeConn) Delete(p string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[p] {
		return zk.ErrNoNode
	}
	delete(f.nodes, p)
	return nil
}

func (f *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[p] {
		return nil, nil, zk.ErrNoNode
	}
	var out []string
	for n := range f.nodes {
		if path.Dir(n) == p {
			out = append(out, strings.TrimPrefix(n, p+"/"))
		}
	}
	return out, &zk.Stat{}, nil
}

func (f *fakeConn) State() zk.State { return f.state }
func (f *fakeConn) Close()          {}

func TestRegistryWithFakeConn(t *testing.T) {
	ctx := context.Background()
	fc := newFakeConn()
	r := &Registry{conn: fc, root: "/ledgercache/prod"}

	require.NoError(t, r.Register(GroupWriters, "ledger/a", true))
	require.NoError(t, r.Register(GroupWriters, "ledger/a", true), "idempotent")
	require.NoError(t, r.Register(GroupOperators, "oncall", false))

	ok, err := r.Writers().IsAuthorizedWriter(ctx, "ledger/a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = r.Writers().IsAuthorizedWriter(ctx, "oncall")
	assert.False(t, ok)
	ok, _ = r.Operators().IsAuthorizedWriter(ctx, "oncall")
	assert.True(t, ok)

	members, err := r.Members(GroupWriters)
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.EqualValues(t, "ledger/a", members[0])

	require.NoError(t, r.Revoke(GroupWriters, "ledger/a"))
	require.NoError(t, r.Revoke(GroupWriters, "ledger/a"))
	ok, _ = r.Writers().IsAuthorizedWriter(ctx, "ledger/a")
	assert.False(t, ok)

	none, err := r.Members("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistryFailsClosedWithoutSession(t *testing.T) {
	fc := newFakeConn()
	r := &Registry{conn: fc, root: "/lc"}
	require.NoError(t, r.Register(GroupWriters, "a", false))

	fc.state = zk.StateDisconnected
	ok, err := r.Writers().IsAuthorizedWriter(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, ok)
}

func TestRegistryLive(t *testing.T) {
	servers := os.Getenv("TEST_ZK_SERVERS")
	if servers == "" {
		t.Skip("TEST_ZK_SERVERS not set")
	}
	r, err := Dial(strings.Split(servers, ","), "/ledgercache-test/"+uuid.NewString(), 5*time.Second)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(GroupWriters, "ledger-a", true))
	ok, err := r.Writers().IsAuthorizedWriter(context.Background(), "ledger-a")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, r.Revoke(GroupWriters, "ledger-a"))
	ok, err = r.Writers().IsAuthorizedWriter(context.Background(), "ledger-a")
	require.NoError(t, err)
	assert.False(t, ok)
}
