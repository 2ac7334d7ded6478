package session

// Limiter decides whether another iteration may run. Implementations must
// not mutate the session.
type Limiter interface {
	Allow(s *Session) bool
}

// LimiterFunc adapts a function to Limiter.
type LimiterFunc func(s *Session) bool

// Allow calls f(s).
func (f LimiterFunc) Allow(s *Session) bool { return f(s) }

// IterationLimiter permits an iteration only for running sessions that
// have budget left.
type IterationLimiter struct{}

// Allow reports iterations < max_iterations and status == running.
func (IterationLimiter) Allow(s *Session) bool {
	return s != nil && s.Status == StatusRunning && s.Iterations < s.MaxIterations
}

// Exhausted reports whether a running session has used its whole budget.
func Exhausted(s *Session) bool {
	return s.Status == StatusRunning && s.Iterations >= s.MaxIterations
}
