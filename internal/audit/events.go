package audit

import (
	"sort"
	"strconv"
	"time"

	"fantasyguard/internal/model"
)

type EventFilter struct {
	Types       []model.EventType
	Severities  []model.Severity
	PrincipalID string
	SourceIP    string
	Since       time.Time
	Until       time.Time
	Limit       int
}

func (f EventFilter) match(ev *model.SecurityEvent) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, ev.Severity) {
		return false
	}
	if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
		return false
	}
	if f.SourceIP != "" && ev.Source.IP != f.SourceIP {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

type indexed struct {
	ev  *model.SecurityEvent
	seq uint64
}

// eventLog keeps events ordered by timestamp, plus one time-ordered slice
// per correlation key (principal, source address, session, type group).
// Two events are related exactly when they share a key. Callers hold the
// correlator lock.
type eventLog struct {
	byID  map[string]*model.SecurityEvent
	order []indexed
	keys  map[string][]indexed
	seq   uint64
}

func newEventLog() *eventLog {
	return &eventLog{
		byID: make(map[string]*model.SecurityEvent),
		keys: make(map[string][]indexed),
	}
}

func (l *eventLog) add(ev *model.SecurityEvent) {
	l.seq++
	e := indexed{ev: ev, seq: l.seq}
	l.byID[ev.ID] = ev
	l.order = insertSorted(l.order, e)
	for _, k := range correlationKeys(ev) {
		l.keys[k] = insertSorted(l.keys[k], e)
	}
}

func insertSorted(list []indexed, e indexed) []indexed {
	n := len(list)
	if n == 0 || !e.ev.Timestamp.Before(list[n-1].ev.Timestamp) {
		return append(list, e)
	}
	i := sort.Search(n, func(i int) bool { return list[i].ev.Timestamp.After(e.ev.Timestamp) })
	list = append(list, indexed{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func (l *eventLog) get(id string) (*model.SecurityEvent, bool) {
	ev, ok := l.byID[id]
	return ev, ok
}

// related returns the events sharing a correlation key with ev and stamped
// within [from, to], newest first, along with the number of index entries
// visited. Each key is walked newest first; the walk of a key ends early once
// it has visited limit entries and one of them satisfied done.
func (l *eventLog) related(ev *model.SecurityEvent, from, to time.Time, limit int, done func(*model.SecurityEvent) bool) ([]*model.SecurityEvent, int) {
	seen := make(map[uint64]struct{})
	var found []indexed
	visited := 0
	for _, k := range correlationKeys(ev) {
		list := l.keys[k]
		end := sort.Search(len(list), func(i int) bool { return list[i].ev.Timestamp.After(to) })
		n, satisfied := 0, false
		for i := end - 1; i >= 0; i-- {
			e := list[i]
			if e.ev.Timestamp.Before(from) {
				break
			}
			if e.ev.ID == ev.ID {
				continue
			}
			visited++
			n++
			if _, dup := seen[e.seq]; !dup {
				seen[e.seq] = struct{}{}
				found = append(found, e)
			}
			if !satisfied && done != nil {
				satisfied = done(e.ev)
			}
			if satisfied && n >= limit {
				break
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if !a.ev.Timestamp.Equal(b.ev.Timestamp) {
			return a.ev.Timestamp.After(b.ev.Timestamp)
		}
		return a.seq > b.seq
	})
	out := make([]*model.SecurityEvent, len(found))
	for i, e := range found {
		out[i] = e.ev
	}
	return out, visited
}

func (l *eventLog) list(f EventFilter) []model.SecurityEvent {
	out := make([]model.SecurityEvent, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		ev := l.order[i].ev
		if !f.match(ev) {
			continue
		}
		out = append(out, ev.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// prune drops events older than cutoff from the log and its indexes.
func (l *eventLog) prune(cutoff time.Time) int {
	n := sort.Search(len(l.order), func(i int) bool { return !l.order[i].ev.Timestamp.Before(cutoff) })
	if n == 0 {
		return 0
	}
	touched := make(map[string]struct{})
	for _, e := range l.order[:n] {
		delete(l.byID, e.ev.ID)
		for _, k := range correlationKeys(e.ev) {
			touched[k] = struct{}{}
		}
	}
	l.order = append([]indexed(nil), l.order[n:]...)
	for k := range touched {
		list := l.keys[k]
		i := sort.Search(len(list), func(i int) bool { return !list[i].ev.Timestamp.Before(cutoff) })
		if i == len(list) {
			delete(l.keys, k)
			continue
		}
		l.keys[k] = append([]indexed(nil), list[i:]...)
	}
	return n
}

func (l *eventLog) len() int {
	return len(l.order)
}

func correlationKeys(ev *model.SecurityEvent) []string {
	keys := make([]string, 0, 5)
	if ev.PrincipalID != "" {
		keys = append(keys, "p:"+ev.PrincipalID)
	}
	if ev.Source.IP != "" {
		keys = append(keys, "ip:"+ev.Source.IP)
	}
	if ev.SessionID != "" {
		keys = append(keys, "s:"+ev.SessionID)
	}
	for _, g := range groupsOf(ev.EventType) {
		keys = append(keys, "g:"+strconv.Itoa(g))
	}
	return keys
}

func containsType(list []model.EventType, t model.EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(list []model.Severity, s model.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
