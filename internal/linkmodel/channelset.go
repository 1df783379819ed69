package linkmodel

import (
	"fmt"
	"sync"
)

// ChannelSet is an arena of Channels: the ChannelSet owns every Channel
// by index and is the only thing any other component holds a reference
// through, avoiding the Channel<->Channels<->FrequencySelection
// back-pointer web of the original source (see DESIGN.md's "cyclic
// references" entry).
//
// Three roles are carried over the same underlying Channel objects:
// startup/reserve (the boot and fall-back channel), hopList (the
// cyclic-hop sequence), and the current cursor.
type ChannelSet struct {
	mu sync.RWMutex

	byFreq map[Frequency]*Channel

	reserve *Channel
	hopList []*Channel
	current *Channel
}

// NewChannelSet builds a ChannelSet from a reserve (startup/fallback)
// frequency and an ordered hop list. reserve is added to byFreq even if
// it does not also appear in hopList. The cursor starts on reserve.
func NewChannelSet(reserve Frequency, hopList []Frequency) *ChannelSet {
	cs := &ChannelSet{byFreq: make(map[Frequency]*Channel)}

	cs.reserve = cs.getOrCreate(reserve)
	for _, f := range hopList {
		cs.hopList = append(cs.hopList, cs.getOrCreate(f))
	}
	cs.current = cs.reserve
	return cs
}

func (cs *ChannelSet) getOrCreate(f Frequency) *Channel {
	if ch, ok := cs.byFreq[f]; ok {
		return ch
	}
	ch := NewChannel(f)
	cs.byFreq[f] = ch
	return ch
}

// Reserve returns the startup/fall-back channel.
func (cs *ChannelSet) Reserve() *Channel { return cs.reserve }

// Current returns the channel both radios believe they are tuned to.
func (cs *ChannelSet) Current() *Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.current
}

// SetCurrent moves the cursor to ch. ch must belong to this set.
func (cs *ChannelSet) SetCurrent(ch *Channel) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.byFreq[ch.Freq]; !ok {
		return fmt.Errorf("linkmodel: channel %s is not a member of this ChannelSet", ch.Freq)
	}
	cs.current = ch
	return nil
}

// Lookup finds the Channel for a frequency, if configured.
func (cs *ChannelSet) Lookup(f Frequency) (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	ch, ok := cs.byFreq[f]
	return ch, ok
}

// HopList returns the ordered hop-list channels (not including reserve,
// unless reserve also appears in the configured list).
func (cs *ChannelSet) HopList() []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Channel, len(cs.hopList))
	copy(out, cs.hopList)
	return out
}

// First returns the first channel of hopList, the LocalOnly lost-entry
// hop target.
func (cs *ChannelSet) First() (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if len(cs.hopList) == 0 {
		return nil, false
	}
	return cs.hopList[0], true
}

// Last returns the last channel of hopList.
func (cs *ChannelSet) Last() (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if len(cs.hopList) == 0 {
		return nil, false
	}
	return cs.hopList[len(cs.hopList)-1], true
}

// Next returns the channel cyclically following cur in hopList. If cur
// is not in hopList (e.g. it is reserve), Next returns the first entry —
// this is the rule HopController's ScheduledGS2Drone discipline uses for
// "currently on reserve -> target first of hopList".
func (cs *ChannelSet) Next(cur *Channel) (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if len(cs.hopList) == 0 {
		return nil, false
	}
	for i, ch := range cs.hopList {
		if ch == cur {
			return cs.hopList[(i+1)%len(cs.hopList)], true
		}
	}
	return cs.hopList[0], true
}

// Prev returns the channel cyclically preceding cur in hopList.
func (cs *ChannelSet) Prev(cur *Channel) (*Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	n := len(cs.hopList)
	if n == 0 {
		return nil, false
	}
	for i, ch := range cs.hopList {
		if ch == cur {
			return cs.hopList[(i-1+n)%n], true
		}
	}
	return cs.hopList[0], true
}

// All returns every distinct Channel this set owns (reserve plus
// hopList, de-duplicated), for iteration by ChannelMetrics and metrics
// export.
func (cs *ChannelSet) All() []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Channel, 0, len(cs.byFreq))
	for _, ch := range cs.byFreq {
		out = append(out, ch)
	}
	return out
}
