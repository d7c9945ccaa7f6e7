package call

import "time"

// Timing holds every delay a session uses. config.CallConfig.Timing derives
// it from the config file; tests shrink it to milliseconds.
type Timing struct {
	DisconnectGrace time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	QualityInterval time.Duration
	RingTimeout     time.Duration
	// DurationTick is the step of the call duration counter.
	DurationTick time.Duration
}

// DefaultTiming returns the production timing.
func DefaultTiming() Timing {
	return Timing{
		DisconnectGrace: 10 * time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Second,
		BackoffMax:      5 * time.Second,
		QualityInterval: 3 * time.Second,
		RingTimeout:     45 * time.Second,
		DurationTick:    time.Second,
	}
}

// Backoff is the delay before the retry scheduled when k retries have
// already run: min(base * 2^k, max).
func (t Timing) Backoff(k int) time.Duration {
	d := t.BackoffBase
	for i := 0; i < k && d < t.BackoffMax; i++ {
		d *= 2
	}
	if d > t.BackoffMax {
		d = t.BackoffMax
	}
	return d
}

type recoveryHooks struct {
	// degraded is called on every escalation, before a retry is scheduled.
	degraded func()
	// restart performs an ICE restart. Only called on the caller side.
	restart func() error
	// exhausted is called once retries are used up.
	exhausted func()
	// attempted is called after each retry has run.
	attempted func()
}

// RecoveryController turns transport degradation into bounded ICE-restart
// retries. It runs on the session loop; after schedules a callback back onto
// that loop and returns its cancel function.
type RecoveryController struct {
	callID   string
	timing   Timing
	isCaller bool
	after    func(time.Duration, func()) func()
	hooks    recoveryHooks

	retryCount  int
	lastQuality Quality

	cancelGrace  func()
	cancelRetry  func()
	cancelWindow func()
}

func newRecoveryController(callID string, isCaller bool, timing Timing, after func(time.Duration, func()) func(), hooks recoveryHooks) *RecoveryController {
	return &RecoveryController{
		callID:   callID,
		timing:   timing,
		isCaller: isCaller,
		after:    after,
		hooks:    hooks,
	}
}

// grace is the disconnect grace period, halved while the link was poor.
func (r *RecoveryController) grace() time.Duration {
	if r.lastQuality == QualityPoor {
		return r.timing.DisconnectGrace / 2
	}
	return r.timing.DisconnectGrace
}

func (r *RecoveryController) recovering() bool {
	return r.cancelGrace != nil || r.cancelRetry != nil || r.cancelWindow != nil
}

// Disconnected arms the grace timer unless recovery is already under way.
func (r *RecoveryController) Disconnected() {
	if r.recovering() {
		return
	}
	grace := r.grace()
	log.Infof("CALL [%s]: transport disconnected, waiting %s before recovery", r.callID, grace)
	r.cancelGrace = r.after(grace, func() {
		r.cancelGrace = nil
		r.escalate("disconnected past grace period")
	})
}

// Failed escalates at once unless a retry is already scheduled.
func (r *RecoveryController) Failed() {
	if r.cancelRetry != nil {
		return
	}
	r.escalate("transport failed")
}

func (r *RecoveryController) escalate(why string) {
	stop(&r.cancelGrace)
	stop(&r.cancelWindow)
	r.hooks.degraded()

	if r.retryCount >= r.timing.MaxRetries {
		log.Warnf("CALL [%s]: %s, %d retries exhausted", r.callID, why, r.retryCount)
		r.hooks.exhausted()
		return
	}
	delay := r.timing.Backoff(r.retryCount)
	log.Infof("CALL [%s]: %s, retry %d/%d in %s", r.callID, why, r.retryCount+1, r.timing.MaxRetries, delay)
	r.cancelRetry = r.after(delay, func() {
		r.cancelRetry = nil
		r.attempt()
	})
}

func (r *RecoveryController) attempt() {
	r.retryCount++
	if r.isCaller {
		if err := r.hooks.restart(); err != nil {
			log.Warnf("CALL [%s]: ICE restart %d failed: %v", r.callID, r.retryCount, err)
		}
	}
	r.cancelWindow = r.after(r.grace(), func() {
		r.cancelWindow = nil
		r.escalate("ICE restart did not recover")
	})
	if r.hooks.attempted != nil {
		r.hooks.attempted()
	}
}

// Connected cancels pending recovery and resets the retry count.
func (r *RecoveryController) Connected() {
	if r.retryCount > 0 || r.recovering() {
		log.Infof("CALL [%s]: transport recovered after %d retries", r.callID, r.retryCount)
	}
	r.Stop()
	r.retryCount = 0
}

// SetQuality records the latest link quality.
func (r *RecoveryController) SetQuality(q Quality) { r.lastQuality = q }

// RetryCount is the number of retries in the current recovery cycle.
func (r *RecoveryController) RetryCount() int { return r.retryCount }

// Stop cancels every recovery timer.
func (r *RecoveryController) Stop() {
	stop(&r.cancelGrace)
	stop(&r.cancelRetry)
	stop(&r.cancelWindow)
}

func stop(cancel *func()) {
	if *cancel != nil {
		(*cancel)()
		*cancel = nil
	}
}
