package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/fulfillment/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// HealthRepository reports the state of the stores and brokers the API depends on.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// DependencyCheck is one probe run by /readyz. A failing critical probe fails readiness;
// any other failure only degrades it.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

// DependencyHealthOption customises NewDependencyHealthRepository.
type DependencyHealthOption func(*probeSet)

// WithDependencyTimeout sets the timeout for checks that do not carry their own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(p *probeSet) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithDependencyClock replaces time.Now.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(p *probeSet) {
		if clock != nil {
			p.now = clock
		}
	}
}

type probeSet struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

// NewDependencyHealthRepository validates checks and returns a repository that runs them
// concurrently on every Collect.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	seen := make(map[string]struct{}, len(checks))
	for i, check := range checks {
		name := strings.TrimSpace(check.Name)
		switch {
		case name == "":
			return nil, fmt.Errorf("health: check %d has no name", i)
		case check.Check == nil:
			return nil, fmt.Errorf("health: check %q has no probe", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health: check %q registered twice", name)
		}
		seen[name] = struct{}{}
	}

	p := &probeSet{checks: append([]DependencyCheck(nil), checks...), timeout: defaultProbeTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *probeSet) Collect(ctx context.Context) (domain.HealthReport, error) {
	if ctx == nil {
		return domain.HealthReport{}, errors.New("health: nil context")
	}

	outcomes := make([]domain.HealthCheck, len(p.checks))
	var g errgroup.Group
	for i, check := range p.checks {
		g.Go(func() error {
			outcomes[i] = p.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.HealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.HealthCheck, len(p.checks)),
		GeneratedAt: p.now(),
	}
	for i, check := range p.checks {
		report.Checks[check.Name] = outcomes[i]
		if outcomes[i].Status == domain.HealthStatusOK {
			continue
		}
		if check.Critical {
			report.Status = domain.HealthStatusError
		} else if report.Status == domain.HealthStatusOK {
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report, nil
}

func (p *probeSet) run(ctx context.Context, check DependencyCheck) domain.HealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := p.now()
	err := check.Check(probeCtx)
	if err == nil {
		err = probeCtx.Err()
	}
	finished := p.now()

	out := domain.HealthCheck{
		Status:    domain.HealthStatusError,
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	switch {
	case err == nil:
		out.Status, out.Detail = domain.HealthStatusOK, "ok"
	case errors.Is(err, context.DeadlineExceeded):
		out.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		out.Detail = "cancelled"
	default:
		out.Detail = err.Error()
	}
	return out
}
