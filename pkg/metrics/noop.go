package metrics

import "time"

// Noop discards everything. Used in tests and when metrics are disabled.
type Noop struct{}

func (Noop) RecordMessageSent(string, string)                {}
func (Noop) RecordError(string)                              {}
func (Noop) RecordLatency(string, float64)                   {}
func (Noop) RecordRequest(string, string, time.Duration)     {}
func (Noop) RecordRetry(string, string)                      {}
func (Noop) RecordRateLimitWait(string, time.Duration)       {}
func (Noop) RecordTokenRefresh(string)                       {}
func (Noop) RecordStreamMessage(string)                      {}
func (Noop) RecordStreamState(string)                        {}
func (Noop) RecordReconnect(string)                          {}
func (Noop) RecordCacheLookup(string, bool)                  {}
func (Noop) RecordSourceFetch(string, string, time.Duration) {}
