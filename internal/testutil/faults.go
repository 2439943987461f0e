package testutil

import "sync"

// faults holds injected failures keyed by operation and subject.
type faults struct {
	mu sync.Mutex
	m  map[string]*fault
}

type fault struct {
	err       error
	remaining int // < 0 means forever
}

func faultKey(op, subject string) string { return op + "\x00" + subject }

func (f *faults) set(op, subject string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]*fault)
	}
	f.m[faultKey(op, subject)] = &fault{err: err, remaining: times}
}

func (f *faults) clear(op, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, faultKey(op, subject))
}

// take returns the injected error for op/subject, consuming one use.
func (f *faults) take(op, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.m[faultKey(op, subject)]
	if !ok {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
		if ft.remaining == 0 {
			delete(f.m, faultKey(op, subject))
		}
	}
	return ft.err
}
