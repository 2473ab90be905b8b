package identity

import (
	"time"

	"wechatslave/pkg/wechat"
)

// Snapshot is an immutable view of the contact universe. A refresh or a group
// hydration produces a new Snapshot instead of mutating this one.
type Snapshot struct {
	Self    wechat.Contact
	Friends []wechat.Contact
	MPs     []wechat.Contact
	Groups  []wechat.Contact
	TakenAt time.Time
}

// individuals returns the logged-in account, friends and subscription accounts in search order.
func (s *Snapshot) individuals() []wechat.Contact {
	out := make([]wechat.Contact, 0, len(s.Friends)+len(s.MPs)+1)
	if s.Self.UserName != "" {
		out = append(out, s.Self)
	}
	out = append(out, s.Friends...)
	out = append(out, s.MPs...)
	return out
}

// withGroup returns a copy of s where the group with the same native key is replaced.
func (s *Snapshot) withGroup(group wechat.Contact) *Snapshot {
	next := *s
	next.Groups = make([]wechat.Contact, len(s.Groups))
	copy(next.Groups, s.Groups)
	for i := range next.Groups {
		if next.Groups[i].UserName == group.UserName {
			next.Groups[i] = group.Clone()
		}
	}
	return &next
}

func newSnapshot(friends, mps, groups []wechat.Contact) *Snapshot {
	snap := &Snapshot{
		MPs:     cloneAll(mps),
		Groups:  cloneAll(groups),
		TakenAt: time.Now().UTC(),
	}
	if len(friends) > 0 {
		snap.Self = friends[0].Clone()
		snap.Friends = cloneAll(friends[1:])
	}
	return snap
}

func cloneAll(in []wechat.Contact) []wechat.Contact {
	out := make([]wechat.Contact, 0, len(in))
	for _, c := range in {
		out = append(out, c.Clone())
	}
	return out
}
