package delivery

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/msgcore/msgcore/internal/platform"
)

type fixedInstance struct {
	inst platform.Instance
}

func (f fixedInstance) GetInstance(_ context.Context, _, _ string) (platform.Instance, error) {
	return f.inst, nil
}

func TestDeliverTargetReportsLimiterFailure(t *testing.T) {
	t.Parallel()
	inst := platform.Instance{ID: "inst-1", TenantID: "t1", Platform: "telegram"}
	q := NewQueue(nil, nil, nil, fixedInstance{inst: inst})
	// A zero-burst limiter never grants a slot, so every attempt dies in the
	// wait and the recorded failure must say so.
	q.limiters[inst.Platform] = rate.NewLimiter(0, 0)

	job := Job{
		ID:       "job-1",
		TenantID: "t1",
		Targets:  []Target{{InstanceID: "inst-1", ID: "chat-1", Status: TargetPending}},
	}
	q.deliverTarget(context.Background(), &job, &job.Targets[0])

	target := job.Targets[0]
	if target.Status != TargetFailed {
		t.Fatalf("target status = %q, want %q", target.Status, TargetFailed)
	}
	if !strings.Contains(target.LastError, "rate limiter") {
		t.Fatalf("last error %q does not name the limiter", target.LastError)
	}
}
