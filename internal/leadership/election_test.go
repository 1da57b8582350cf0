package leadership

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestConfigDefaults(t *testing.T) {
	cfg := ElectionConfig{}.withDefaults()
	if cfg.ElectionKey != defaultElectionKey {
		t.Fatalf("unexpected key %q", cfg.ElectionKey)
	}
	if cfg.LeaseDuration != defaultLeaseDuration || cfg.RenewalInterval != defaultRenewalInterval {
		t.Fatalf("unexpected intervals %s/%s", cfg.LeaseDuration, cfg.RenewalInterval)
	}
	if cfg.InstanceID == "" {
		t.Fatal("expected generated instance id")
	}

	custom := ElectionConfig{InstanceID: "node-a", LeaseDuration: time.Minute}.withDefaults()
	if custom.InstanceID != "node-a" || custom.LeaseDuration != time.Minute {
		t.Fatalf("defaults overwrote explicit values: %+v", custom)
	}
}

func TestLeadershipTransitionsAreReportedOnce(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	e := newElection(client, ElectionConfig{InstanceID: "node-a"}, zerolog.Nop())

	e.updateLeadershipStatus(true)
	e.updateLeadershipStatus(true)
	if !e.IsLeader() {
		t.Fatal("expected leader")
	}
	if got := <-e.LeaderCh(); !got {
		t.Fatal("expected acquired transition")
	}
	select {
	case extra := <-e.LeaderCh():
		t.Fatalf("unexpected duplicate transition %v", extra)
	default:
	}

	e.updateLeadershipStatus(false)
	if e.IsLeader() {
		t.Fatal("expected follower")
	}
	if got := <-e.LeaderCh(); got {
		t.Fatal("expected lost transition")
	}
}
