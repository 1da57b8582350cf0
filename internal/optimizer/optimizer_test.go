package optimizer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/friendsincode/elastisched/internal/config"
	"github.com/friendsincode/elastisched/internal/policy"
	"github.com/rs/zerolog"
)

const hour = int64(3600)

func job(id string, lo, hi, prefLo, dur int64, p policy.Policy, deps ...string) Job {
	return Job{
		ID:              id,
		DurationSeconds: dur,
		Schedulable:     Range{Low: lo, High: hi},
		Preferred:       Range{Low: prefLo, High: prefLo + dur},
		Policy:          p,
		Dependencies:    deps,
	}
}

func segmentsOf(t *testing.T, s Schedule, id string) []Range {
	t.Helper()
	for _, p := range s.Jobs {
		if p.ID == id {
			return p.Segments
		}
	}
	t.Fatalf("job %s not placed", id)
	return nil
}

func TestGreedyKeepsFreePreferredWindow(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	s, err := g.Schedule(context.Background(), []Job{
		job("a", 8*hour, 20*hour, 9*hour, hour, policy.Policy{}),
	}, 900)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	got := segmentsOf(t, s, "a")
	if len(got) != 1 || got[0] != (Range{Low: 9 * hour, High: 10 * hour}) {
		t.Fatalf("expected preferred window, got %v", got)
	}
}

func TestGreedyMovesConflictingJob(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	s, err := g.Schedule(context.Background(), []Job{
		job("a", 8*hour, 20*hour, 9*hour, hour, policy.Policy{}),
		job("b", 8*hour, 20*hour, 9*hour+600, hour, policy.Policy{}),
	}, 900)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	a := segmentsOf(t, s, "a")[0]
	b := segmentsOf(t, s, "b")[0]
	if a.Overlaps(b) {
		t.Fatalf("non-overlappable jobs placed on top of each other: %v %v", a, b)
	}
	if b.Low != 8*hour {
		t.Fatalf("expected b at earliest aligned free slot 08:00, got %v", b)
	}
	if s.Jobs[0].ID != "a" || s.Jobs[1].ID != "b" {
		t.Fatal("expected output in input order")
	}
}

func TestGreedyOverlappableJobsShareTime(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	over := policy.New(policy.Overlappable, 0, 0)
	s, err := g.Schedule(context.Background(), []Job{
		job("a", 8*hour, 20*hour, 9*hour, hour, policy.Policy{}),
		job("b", 8*hour, 20*hour, 9*hour, hour, over),
	}, 900)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if segmentsOf(t, s, "b")[0].Low != 9*hour {
		t.Fatal("overlappable job should stay at its preferred window")
	}
}

func TestGreedyRespectsDependencies(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	s, err := g.Schedule(context.Background(), []Job{
		job("after", 0, 10*hour, 1*hour, hour, policy.Policy{}, "before"),
		job("before", 0, 10*hour, 2*hour, hour, policy.Policy{}),
	}, 900)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	before := segmentsOf(t, s, "before")[0]
	after := segmentsOf(t, s, "after")[0]
	if after.Low < before.High {
		t.Fatalf("dependent starts before dependency ends: %v vs %v", after, before)
	}
}

func TestGreedySplitsAroundBusyTime(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	split := policy.New(policy.Splittable, 1, 30*time.Minute)
	s, err := g.Schedule(context.Background(), []Job{
		job("block", 0, 4*hour, hour, hour, policy.Policy{}),
		job("work", 0, 3*hour, hour+1800, 2*hour, split),
	}, 900)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	segs := segmentsOf(t, s, "work")
	if len(segs) != 2 {
		t.Fatalf("expected two segments, got %v", segs)
	}
	var total int64
	for _, seg := range segs {
		if seg.Overlaps(Range{Low: hour, High: 2 * hour}) {
			t.Fatalf("segment %v overlaps busy block", seg)
		}
		total += seg.Duration()
	}
	if total != 2*hour {
		t.Fatalf("segments cover %ds, want %ds", total, 2*hour)
	}
}

func TestGreedyFailsWhenNothingFits(t *testing.T) {
	g := NewGreedy(zerolog.Nop())
	_, err := g.Schedule(context.Background(), []Job{
		job("a", 0, hour, 0, hour, policy.Policy{}),
		job("b", 0, hour, 0, hour, policy.Policy{}),
	}, 900)
	if err == nil {
		t.Fatal("expected failure when two rigid jobs share a one-hour window")
	}
}

func TestGreedyRejectsBadGranularity(t *testing.T) {
	if _, err := NewGreedy(zerolog.Nop()).Schedule(context.Background(), nil, 0); err == nil {
		t.Fatal("expected error for zero granularity")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ x, g, want int64 }{
		{0, 300, 0},
		{1, 300, 300},
		{300, 300, 300},
		{-7, 5, -5},
		{-5, 5, -5},
	}
	for _, tt := range tests {
		if got := alignUp(tt.x, tt.g); got != tt.want {
			t.Fatalf("alignUp(%d, %d) = %d, want %d", tt.x, tt.g, got, tt.want)
		}
	}
}

func TestWireRoundTripKeepsCallerJobs(t *testing.T) {
	p := policy.New(policy.Splittable|policy.RoundToGranularity, 2, 20*time.Minute)
	jobs := []Job{{
		ID:              "r1:2025-01-06T09:00:00Z",
		DurationSeconds: hour,
		Schedulable:     Range{Low: 0, High: 4 * hour},
		Preferred:       Range{Low: hour, High: 2 * hour},
		Policy:          p,
		Dependencies:    []string{"x"},
		Tags:            []policy.Tag{{Name: "focus", Group: "work"}},
	}}

	data, err := json.Marshal(encodeRequest(jobs, 300))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded := req.decode()
	if decoded[0].Policy != p {
		t.Fatalf("policy lost on the wire: %s vs %s", decoded[0].Policy, p)
	}
	if decoded[0].Tags[0] != jobs[0].Tags[0] {
		t.Fatalf("tag lost on the wire: %+v", decoded[0].Tags)
	}

	resp := wireResponse{Jobs: []wirePlacement{{ID: jobs[0].ID, Segments: []Range{{Low: hour, High: 2 * hour}}}}}
	s, err := resp.decode(jobs)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if s.Jobs[0].Policy != p || s.Jobs[0].Dependencies[0] != "x" {
		t.Fatal("placement should carry the submitted job")
	}

	if _, err := (wireResponse{Jobs: []wirePlacement{{ID: "ghost", Segments: []Range{{}}}}}).decode(jobs); err == nil {
		t.Fatal("expected unknown job to be rejected")
	}
	if _, err := (wireResponse{Error: "infeasible"}).decode(jobs); err == nil || err.Error() != "infeasible" {
		t.Fatalf("expected remote error to surface, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	opt, name, closeFn, err := FromConfig(&config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if name != NameGreedy {
		t.Fatalf("expected greedy without NATS, got %q", name)
	}
	if _, ok := opt.(*Greedy); !ok {
		t.Fatalf("expected *Greedy, got %T", opt)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Nothing listens on port 1.
	if _, _, _, err := FromConfig(&config.Config{NATSURL: "nats://127.0.0.1:1"}, zerolog.Nop()); err == nil {
		t.Fatal("expected dial failure for unreachable NATS server")
	}
}
