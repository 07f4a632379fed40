package dht

import (
	"sync"
	"time"
)

// Alpha is the lookup parallelism factor (spec §4.3 "alpha=3 parallel
// queries per round").
const Alpha = 3

// MaxLookupRounds bounds an iterative lookup's round count (spec §4.3
// "bounded number of rounds, e.g. 5") so a pathological candidate set
// that always yields a marginally closer node can't loop forever.
const MaxLookupRounds = 5

// MaxLookupDuration bounds an iterative lookup's wall-clock time (spec
// §5 "bounded total time, e.g. 60s, even if convergence is
// incomplete").
const MaxLookupDuration = 60 * time.Second

// lookupCandidate tracks one node seen during an iterative lookup.
type lookupCandidate struct {
	node    NodeInfo
	queried bool
}

// GetPeersResult is the outcome of an iterative get_peers lookup
// (spec §4.3 and §8 scenario 6).
type GetPeersResult struct {
	Peers []NodeAddr
	// Tokens maps a contacted node's address string to the token it
	// returned, so the caller can immediately announce_peer to any of
	// them (spec §4.3: "retain the token from whichever queried node
	// is later used for announce_peer").
	Tokens map[string][]byte
}

// IterativeGetPeers performs the spec §4.3 iterative lookup: seed
// from the BucketSize closest known nodes, query Alpha unqueried
// candidates per round, merge newly discovered nodes, and terminate
// once a round produces no node closer than the best seen so far and
// the round after it does not either (or when every candidate has been
// queried). Always terminates within
// MaxLookupRounds rounds and MaxLookupDuration wall-clock time, even
// if the candidate set never stops yielding marginal improvements.
func (n *Node) IterativeGetPeers(infoHash ID) GetPeersResult {
	seen := make(map[ID]*lookupCandidate)
	var order []*lookupCandidate

	addCandidate := func(ni NodeInfo) {
		if ni.ID == n.self {
			return
		}
		if _, ok := seen[ni.ID]; ok {
			return
		}
		c := &lookupCandidate{node: ni}
		seen[ni.ID] = c
		order = append(order, c)
	}

	for _, ni := range n.rt.Closest(infoHash, BucketSize) {
		addCandidate(ni)
	}

	result := GetPeersResult{Tokens: make(map[string][]byte)}
	bestDistance := ID{}
	for i := range bestDistance {
		bestDistance[i] = 0xFF
	}
	if len(order) > 0 {
		bestDistance = Distance(infoHash, order[0].node.ID)
	}

	deadline := time.Now().Add(MaxLookupDuration)
	stalled := false
	for roundNum := 0; roundNum < MaxLookupRounds; roundNum++ {
		if time.Now().After(deadline) {
			break
		}
		sortCandidates(order, infoHash)
		var round []*lookupCandidate
		for _, c := range order {
			if !c.queried {
				round = append(round, c)
			}
			if len(round) == Alpha {
				break
			}
		}
		if len(round) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		improved := false
		for _, c := range round {
			c.queried = true
			wg.Add(1)
			go func(c *lookupCandidate) {
				defer wg.Done()
				res, err := n.GetPeers(c.node.Addr, infoHash)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Token != nil {
					result.Tokens[c.node.Addr.UDPAddr().String()] = res.Token
				}
				if len(res.Values) > 0 {
					result.Peers = append(result.Peers, res.Values...)
				}
				for _, ni := range res.Nodes {
					addCandidate(ni)
					d := Distance(infoHash, ni.ID)
					if lessDistance(d, bestDistance) {
						bestDistance = d
						improved = true
					}
				}
			}(c)
		}
		wg.Wait()

		if !improved {
			// No closer node surfaced this round; one more round is
			// allowed to drain remaining unqueried candidates, then
			// we stop (spec §8 scenario 6 termination law).
			if stalled {
				break
			}
			stalled = true
			anyUnqueried := false
			for _, c := range order {
				if !c.queried {
					anyUnqueried = true
					break
				}
			}
			if !anyUnqueried {
				break
			}
		} else {
			stalled = false
		}
	}
	return result
}

func sortCandidates(order []*lookupCandidate, target ID) {
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && Less(target, order[j].node.ID, order[j-1].node.ID) {
			order[j], order[j-1] = order[j-1], order[j]
			j--
		}
	}
}

func lessDistance(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
