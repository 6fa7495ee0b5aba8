package manager

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("manager")

// Manager is the cluster manager a replica talks to. It owns the authoritative
// ClusterView: replicas learn views from it and report leadership and suspected
// failures to it.
type Manager interface {
	// CurrentView returns the latest published view. The view must not be modified.
	CurrentView() *smr.ClusterView

	// Subscribe returns a channel that receives every view published after the
	// call, and a function to cancel the subscription.
	Subscribe() (<-chan *smr.ClusterView, func())

	// ReportLeader tells the manager that id won the election for view.
	ReportLeader(id smr.ReplicaID, view uint64)

	// ReportSuspect tells the manager that reporter could not reach suspect.
	ReportSuspect(reporter, suspect smr.ReplicaID)
}

// --------------------------------------------------------------------------
// Static manager
// --------------------------------------------------------------------------

// Static is an in-process manager with a fixed membership. A new view replaces
// the current one as a whole (copy on write), readers never see a partial view.
type Static struct {
	view atomic.Pointer[smr.ClusterView]

	mu       sync.Mutex // serializes publishing
	subs     map[int]chan *smr.ClusterView
	nextSub  int
	suspects *xsync.MapOf[smr.ReplicaID, int]
}

// NewStatic creates a manager starting at view.
func NewStatic(view *smr.ClusterView) *Static {
	s := &Static{
		subs:     make(map[int]chan *smr.ClusterView),
		suspects: xsync.NewMapOf[smr.ReplicaID, int](),
	}
	s.view.Store(view)
	return s
}

// NewStaticCluster creates a manager for the replicas 0..population-1 without a known leader.
func NewStaticCluster(population uint8) *Static {
	members := make([]smr.ReplicaID, population)
	for i := range members {
		members[i] = smr.ReplicaID(i)
	}
	return NewStatic(smr.NewClusterView(0, smr.NoReplica, members))
}

func (s *Static) CurrentView() *smr.ClusterView {
	return s.view.Load()
}

func (s *Static) Subscribe() (<-chan *smr.ClusterView, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan *smr.ClusterView, 16)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Publish replaces the current view if view is newer and notifies subscribers.
// It reports whether the view was adopted.
func (s *Static) Publish(view *smr.ClusterView) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.view.Load(); cur != nil && view.Number <= cur.Number {
		return false
	}
	s.view.Store(view)
	Logger.Infof("published %s", view)

	for _, ch := range s.subs {
		select {
		case ch <- view:
		default:
			// slow subscriber, it can always fall back to CurrentView
			Logger.Warningf("dropping view %d for slow subscriber", view.Number)
		}
	}
	return true
}

func (s *Static) ReportLeader(id smr.ReplicaID, view uint64) {
	cur := s.view.Load()
	if view <= cur.Number {
		return
	}
	s.Publish(cur.WithLeader(view, id))
}

func (s *Static) ReportSuspect(reporter, suspect smr.ReplicaID) {
	n, _ := s.suspects.Compute(suspect, func(old int, _ bool) (int, bool) {
		return old + 1, false
	})
	Logger.Debugf("%s suspects %s (%d reports)", reporter, suspect, n)
}

// Suspicions returns how often suspect was reported unreachable.
func (s *Static) Suspicions(suspect smr.ReplicaID) int {
	n, _ := s.suspects.Load(suspect)
	return n
}
