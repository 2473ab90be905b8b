// Package identity maps between UIDs, native user keys and group member keys
// over a refreshable contact snapshot.
package identity

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"wechatslave/pkg/wechat"
)

var (
	// ErrNoCriteria is a usage error: a lookup needs at least one search field.
	ErrNoCriteria = errors.New("at least one of native key, uid, alt id or name is required")
	// ErrNotFound means nothing matched, even after one refresh.
	ErrNotFound = errors.New("identity not found")
)

// Query selects contacts. MemberKey is only used once a group matches.
type Query struct {
	NativeKey string
	UID       string
	AltID     string
	Name      string
	MemberKey string
	Refresh   bool
}

func (q Query) empty() bool {
	return q.NativeKey == "" && q.UID == "" && q.AltID == "" && q.Name == ""
}

// UIDOf derives the stable UID of a display name. It is a CRC-32 of the UTF-8
// name, so distinct names collide with probability of about 1/2^32.
func UIDOf(name string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(name))), 10)
}

// Resolver answers identity lookups. It is safe for concurrent use; readers
// see whole snapshots and refreshes swap the pointer.
type Resolver struct {
	source wechat.ContactSource
	log    *slog.Logger

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
}

// NewResolver builds a resolver over a contact source. Nothing is fetched until first use.
func NewResolver(source wechat.ContactSource, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{source: source, log: log.With("component", "identity")}
}

// Snapshot returns the cached snapshot, loading it on first use or when refresh is set.
func (r *Resolver) Snapshot(ctx context.Context, refresh bool) (*Snapshot, error) {
	if !refresh {
		if snap := r.current.Load(); snap != nil {
			return snap, nil
		}
	}
	return r.load(ctx, refresh)
}

// Refresh forces a new snapshot from the network.
func (r *Resolver) Refresh(ctx context.Context) (*Snapshot, error) {
	return r.load(ctx, true)
}

func (r *Resolver) load(ctx context.Context, refresh bool) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if !refresh {
		// Another caller may have loaded while we waited.
		if snap := r.current.Load(); snap != nil {
			return snap, nil
		}
	}

	friends, err := r.source.Friends(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	mps, err := r.source.MPs(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("list subscription accounts: %w", err)
	}
	groups, err := r.source.Chatrooms(ctx, refresh)
	if err != nil {
		return nil, fmt.Errorf("list chatrooms: %w", err)
	}

	snap := newSnapshot(friends, mps, groups)
	r.current.Store(snap)
	r.log.Debug("Contact snapshot loaded", "refresh", refresh, "friends", len(snap.Friends), "mps", len(snap.MPs), "groups", len(snap.Groups))
	return snap, nil
}

// Resolve returns every contact matching q. Individuals are searched before
// groups. A miss on the cached snapshot is retried exactly once on a refreshed
// one; a miss after that is an empty result, not an error.
func (r *Resolver) Resolve(ctx context.Context, q Query) ([]wechat.Contact, error) {
	if q.empty() {
		r.log.Error("Identity lookup without criteria")
		return nil, ErrNoCriteria
	}

	snap, err := r.Snapshot(ctx, q.Refresh)
	if err != nil {
		return nil, err
	}

	result, err := r.search(ctx, snap, q)
	if err != nil || len(result) > 0 || q.Refresh {
		return result, err
	}

	snap, err = r.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return r.search(ctx, snap, q)
}

func (r *Resolver) search(ctx context.Context, snap *Snapshot, q Query) ([]wechat.Contact, error) {
	var result []wechat.Contact

	for _, c := range snap.individuals() {
		if matchIndividual(c, q) {
			result = append(result, c.Clone())
		}
	}

	for _, g := range snap.Groups {
		if !matchGroup(g, q) {
			continue
		}

		found := g.Clone()
		found.MemberList = []wechat.Contact{}
		if q.MemberKey == "" {
			result = append(result, found)
			continue
		}

		if len(g.MemberList) == 0 {
			hydrated, err := r.hydrate(ctx, g.UserName)
			if err != nil {
				return nil, err
			}
			g = hydrated
		}
		for _, m := range g.MemberList {
			if matchMember(m, q) {
				found.MemberList = append(found.MemberList, m)
			}
		}
		result = append(result, found)
	}

	return result, nil
}

// hydrate fetches a group's member list and publishes a snapshot carrying it.
// The swap applies to whatever snapshot is current, so groups hydrated in
// one search accumulate.
func (r *Resolver) hydrate(ctx context.Context, userName string) (wechat.Contact, error) {
	group, err := r.source.UpdateChatroom(ctx, userName)
	if err != nil {
		return wechat.Contact{}, fmt.Errorf("hydrate chatroom %s: %w", userName, err)
	}
	if group.UserName == "" {
		group.UserName = userName
	}
	for {
		current := r.current.Load()
		if current == nil || r.current.CompareAndSwap(current, current.withGroup(group)) {
			break
		}
	}
	r.log.Debug("Chatroom members hydrated", "chatroom", userName, "members", len(group.MemberList))
	return group, nil
}

// UIDForKey resolves a native key to its UID.
func (r *Resolver) UIDForKey(ctx context.Context, nativeKey string) (string, error) {
	if nativeKey == wechat.FileHelper {
		return wechat.FileHelper, nil
	}
	return r.uidFor(ctx, Query{NativeKey: nativeKey})
}

// UIDForName resolves a display name to its UID.
func (r *Resolver) UIDForName(ctx context.Context, name string) (string, error) {
	return r.uidFor(ctx, Query{Name: name})
}

func (r *Resolver) uidFor(ctx context.Context, q Query) (string, error) {
	found, err := r.Resolve(ctx, q)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNotFound
	}
	return UIDOf(found[0].NickName), nil
}

// NativeKeyFor maps a UID back to the network's native key.
func (r *Resolver) NativeKeyFor(ctx context.Context, uid string) (string, error) {
	if uid == wechat.FileHelper {
		return wechat.FileHelper, nil
	}
	found, err := r.Resolve(ctx, Query{UID: uid})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("uid %s: %w", uid, ErrNotFound)
	}
	return found[0].UserName, nil
}

func matchIndividual(c wechat.Contact, q Query) bool {
	return equal(q.UID, UIDOf(c.NickName)) ||
		equal(q.NativeKey, c.UserName) ||
		equal(q.UID, c.UinString()) ||
		equal(q.UID, c.AttrStatusString()) ||
		equal(q.AltID, c.Alias) ||
		equal(q.Name, c.NickName) ||
		equal(q.Name, c.DisplayName) ||
		equal(q.Name, c.RemarkName)
}

func matchGroup(g wechat.Contact, q Query) bool {
	return equal(q.UID, UIDOf(g.NickName)) ||
		equal(q.UID, g.UinString()) ||
		equal(q.AltID, g.Alias) ||
		equal(q.Name, g.NickName) ||
		equal(q.Name, g.DisplayName) ||
		equal(q.Name, g.RemarkName) ||
		equal(q.NativeKey, g.UserName)
}

func matchMember(m wechat.Contact, q Query) bool {
	return equal(q.MemberKey, m.UserName) ||
		equal(q.UID, m.AttrStatusString()) ||
		equal(q.Name, m.NickName) ||
		equal(q.Name, m.DisplayName)
}

// equal never matches an unset search field.
func equal(want, got string) bool {
	return want != "" && want == got
}
