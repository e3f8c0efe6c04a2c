package chatlist

import (
	"sort"
	"strings"
)

// Merge orders conversations by recency, then peers by name, dropping peers that already
// have a conversation and rows whose display name does not contain search.
func Merge(convs []*ConversationItem, peers []*PeerItem, search string) []Item {
	needle := strings.ToLower(strings.TrimSpace(search))
	matches := func(name string) bool {
		return needle == "" || strings.Contains(strings.ToLower(name), needle)
	}

	withChat := make(map[string]struct{}, len(convs))
	keptConvs := make([]*ConversationItem, 0, len(convs))
	for _, c := range convs {
		withChat[c.UserID] = struct{}{}
		if matches(c.DisplayName) {
			keptConvs = append(keptConvs, c)
		}
	}
	sort.SliceStable(keptConvs, func(i, j int) bool {
		return keptConvs[i].UpdatedAt.After(keptConvs[j].UpdatedAt)
	})

	keptPeers := make([]*PeerItem, 0, len(peers))
	for _, p := range peers {
		if _, dup := withChat[p.UserID]; dup || !matches(p.DisplayName) {
			continue
		}
		keptPeers = append(keptPeers, p)
	}
	sort.SliceStable(keptPeers, func(i, j int) bool {
		return strings.ToLower(keptPeers[i].DisplayName) < strings.ToLower(keptPeers[j].DisplayName)
	})

	out := make([]Item, 0, len(keptConvs)+len(keptPeers))
	for _, c := range keptConvs {
		out = append(out, c)
	}
	for _, p := range keptPeers {
		out = append(out, p)
	}
	return out
}
