package tappick

import "sync"

// ErrorCallback receives SDK errors of warning severity or above. Callbacks
// run on their own goroutine and must not block for long.
type ErrorCallback func(err *SDKError)

type callbackRegistry struct {
	mu        sync.RWMutex
	callbacks []ErrorCallback
	wg        sync.WaitGroup
}

func (r *callbackRegistry) register(cb ErrorCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *callbackRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = nil
}

// notify dispatches err to every registered callback asynchronously.
func (r *callbackRegistry) notify(err *SDKError) {
	if err == nil || err.Severity < SeverityWarning {
		return
	}

	r.mu.RLock()
	callbacks := make([]ErrorCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, cb := range callbacks {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			cb(err)
		}()
	}
}

// wait blocks until dispatched callbacks have returned.
func (r *callbackRegistry) wait() {
	r.wg.Wait()
}
