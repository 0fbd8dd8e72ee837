package purchases

import "sync/atomic"

// systemInfo carries process-wide facts the managers consult: whether the
// host app currently sits in the background, whether the SDK runs in
// observer mode, and whether this is a sandbox store environment.
type systemInfo struct {
	observerMode bool
	sandbox      bool
	backgrounded atomic.Bool
}

func newSystemInfo(cfg *Configuration) *systemInfo {
	return &systemInfo{
		observerMode: cfg.ObserverMode,
		sandbox:      cfg.Sandbox,
	}
}

// finishTransactions reports whether the SDK should finish transactions
// itself. Inverse of observer mode.
func (s *systemInfo) finishTransactions() bool {
	return !s.observerMode
}

func (s *systemInfo) isAppBackgrounded() bool {
	return s.backgrounded.Load()
}

func (s *systemInfo) setAppBackgrounded(backgrounded bool) {
	s.backgrounded.Store(backgrounded)
}
