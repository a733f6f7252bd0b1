package activity

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"syncpad/pkg/logger"
)

const (
	// EventCapacity bounds the in-memory event log; oldest entries are
	// evicted first once it is exceeded.
	EventCapacity = 10000

	// QueueCapacity bounds the intake channel between producers and the
	// drain goroutine. A full queue drops events rather than blocking the
	// edit path.
	QueueCapacity = 1024

	historyLimit = 50
	recentLimit  = 20

	retention     = 7 * 24 * time.Hour
	sweepInterval = time.Hour
)

const (
	KindEdit   = "edit"
	KindCursor = "cursor"
	KindSave   = "save"
	KindOpen   = "open"
	KindClose  = "close"
)

// Event is one immutable entry of the activity log.
type Event struct {
	Kind       string    `json:"kind"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	DocumentID string    `json:"document_id,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	Content    string    `json:"content,omitempty"`
	Position   int       `json:"position,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the latest saved content for one (document, file) pair.
// Overwritten on each save, never versioned.
type Snapshot struct {
	DocumentID   string    `json:"document_id"`
	FileName     string    `json:"file_name"`
	Content      string    `json:"content"`
	LastModified time.Time `json:"last_modified"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
}

// Sink is what the room layer records into. Implementations must never block
// the caller.
type Sink interface {
	Record(ev Event)
}

// SnapshotStore is the optional persistence collaborator asked to keep the
// latest saved content. Failures are logged and swallowed.
type SnapshotStore interface {
	Upsert(snap Snapshot) error
}

// LiveStats is a point-in-time view of recorded activity.
type LiveStats struct {
	TotalEvents  int     `json:"total_events"`
	ActiveUsers  int     `json:"active_users"`
	RecentEvents []Event `json:"recent_events"`
	FileCount    int     `json:"file_count"`
	ProjectCount int     `json:"project_count"`
}

// SearchResult is one snapshot matching a content search.
type SearchResult struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	MatchCount int    `json:"match_count"`
}

// Recorder is an append-only bounded event log plus a latest-content snapshot
// store. Producers hand events to a buffered channel and never wait on the
// consumer; a single drain goroutine owns all writes to the ring.
type Recorder struct {
	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.RWMutex
	ring      []Event
	start     int // index of the oldest retained event
	size      int
	snapshots map[string]Snapshot

	store      SnapshotStore
	sweepEvery time.Duration
}

// NewRecorder starts a recorder with the given ring capacity. store may be
// nil for memory-only operation.
func NewRecorder(capacity int, store SnapshotStore) *Recorder {
	if capacity <= 0 {
		capacity = EventCapacity
	}
	r := &Recorder{
		queue:      make(chan Event, QueueCapacity),
		done:       make(chan struct{}),
		ring:       make([]Event, capacity),
		snapshots:  make(map[string]Snapshot),
		store:      store,
		sweepEvery: sweepInterval,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an event without blocking. Events are dropped if the drain
// goroutine has fallen behind; recording is best-effort and must never sit on
// the edit path.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case r.queue <- ev:
	case <-r.done:
	default:
		logger.Sugar.Warnf("Activity queue full, dropping %s event from %s", ev.Kind, ev.UserID)
	}
}

// Close stops the drain goroutine after flushing already-queued events.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.queue:
			r.ingest(ev)
		case <-ticker.C:
			r.sweep(time.Now().Add(-retention))
		case <-r.done:
			for {
				select {
				case ev := <-r.queue:
					r.ingest(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) ingest(ev Event) {
	r.mu.Lock()
	if r.size == len(r.ring) {
		// Overwrite the oldest slot.
		r.ring[r.start] = ev
		r.start = (r.start + 1) % len(r.ring)
	} else {
		r.ring[(r.start+r.size)%len(r.ring)] = ev
		r.size++
	}

	if ev.Kind == KindSave {
		snap := Snapshot{
			DocumentID:   ev.DocumentID,
			FileName:     ev.FileName,
			Content:      ev.Content,
			LastModified: ev.Timestamp,
			UserID:       ev.UserID,
			UserName:     ev.UserName,
		}
		r.snapshots[snapshotKey(ev.DocumentID, ev.FileName)] = snap
		r.mu.Unlock()

		if r.store != nil {
			if err := r.store.Upsert(snap); err != nil {
				logger.Sugar.Errorf("Failed to persist snapshot %s/%s: %v", snap.DocumentID, snap.FileName, err)
			}
		}
		return
	}
	r.mu.Unlock()
}

// sweep drops events older than cutoff. Capacity eviction handles overflow;
// this handles age.
func (r *Recorder) sweep(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.size > 0 && r.ring[r.start].Timestamp.Before(cutoff) {
		r.ring[r.start] = Event{}
		r.start = (r.start + 1) % len(r.ring)
		r.size--
	}
}

// at returns the i-th retained event in temporal order (0 = oldest).
// Callers hold r.mu.
func (r *Recorder) at(i int) Event {
	return r.ring[(r.start+i)%len(r.ring)]
}

// FileContent returns the latest saved content for a file, or false if the
// file has never been saved.
func (r *Recorder) FileContent(documentID, fileName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[snapshotKey(documentID, fileName)]
	return snap.Content, ok
}

// FileHistory returns the last 50 edit/save events for a file, oldest first.
func (r *Recorder) FileHistory(documentID, fileName string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := make([]Event, 0, historyLimit)
	for i := r.size - 1; i >= 0 && len(history) < historyLimit; i-- {
		ev := r.at(i)
		if ev.DocumentID != documentID || ev.FileName != fileName {
			continue
		}
		if ev.Kind != KindEdit && ev.Kind != KindSave {
			continue
		}
		history = append(history, ev)
	}
	// Collected newest-first, reported in original temporal order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history
}

// Stats returns the live view: total retained events, distinct users active
// in the last hour, the 20 most recent events, and snapshot counts.
func (r *Recorder) Stats() LiveStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hourAgo := time.Now().Add(-time.Hour)
	users := make(map[string]struct{})
	for i := r.size - 1; i >= 0; i-- {
		ev := r.at(i)
		if ev.Timestamp.Before(hourAgo) {
			break
		}
		users[ev.UserID] = struct{}{}
	}

	recent := make([]Event, 0, recentLimit)
	for i := r.size - 1; i >= 0 && len(recent) < recentLimit; i-- {
		recent = append(recent, r.at(i))
	}

	projects := make(map[string]struct{})
	for _, snap := range r.snapshots {
		projects[snap.DocumentID] = struct{}{}
	}

	return LiveStats{
		TotalEvents:  r.size,
		ActiveUsers:  len(users),
		RecentEvents: recent,
		FileCount:    len(r.snapshots),
		ProjectCount: len(projects),
	}
}

// Search counts case-insensitive matches of query in each stored snapshot,
// sorted by match count descending. The query is treated as a regular
// expression when it compiles, and as a literal substring otherwise.
func (r *Recorder) Search(query string) []SearchResult {
	if query == "" {
		return nil
	}

	var re *regexp.Regexp
	if compiled, err := regexp.Compile("(?i)" + query); err == nil {
		re = compiled
	}
	count := func(content string) int {
		if re != nil {
			return len(re.FindAllStringIndex(content, -1))
		}
		return strings.Count(strings.ToLower(content), strings.ToLower(query))
	}

	r.mu.RLock()
	results := make([]SearchResult, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		if n := count(snap.Content); n > 0 {
			results = append(results, SearchResult{
				DocumentID: snap.DocumentID,
				FileName:   snap.FileName,
				MatchCount: n,
			})
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].MatchCount != results[j].MatchCount {
			return results[i].MatchCount > results[j].MatchCount
		}
		if results[i].DocumentID != results[j].DocumentID {
			return results[i].DocumentID < results[j].DocumentID
		}
		return results[i].FileName < results[j].FileName
	})
	return results
}

func snapshotKey(documentID, fileName string) string {
	return documentID + "/" + fileName
}
