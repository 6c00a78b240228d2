package forwardsecrecy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/audit"
	"carecrypt/internal/domain"
	"carecrypt/internal/scheduler"
	"carecrypt/internal/security/forwardsecrecy"
)

type fakeRetirer struct {
	retired []domain.KeyRef
	fail    bool
}

func (f *fakeRetirer) Retire(_ context.Context, ref domain.KeyRef) error {
	if f.fail {
		return errors.New("still present")
	}
	f.retired = append(f.retired, ref)
	return nil
}

type memKV map[string][]byte

func (m memKV) Get(_ context.Context, k string) ([]byte, bool, error) {
	v, ok := m[k]
	return v, ok, nil
}

func (m memKV) Put(_ context.Context, k string, v []byte) error {
	m[k] = v
	return nil
}

func TestScheduledDeletionFires(t *testing.T) {
	clk := clock.NewMock()
	sched := scheduler.New(clk)
	tr := forwardsecrecy.New(sched)
	r := &fakeRetirer{}
	tr.SetRetirer(r)
	ctx := context.Background()

	spk := domain.KeyRef{Type: domain.KeyTypeSignedPreKey, ID: 42}
	opk := domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 1}
	if err := tr.Register(ctx, spk); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clk.Add(time.Hour)
	if err := tr.Register(ctx, opk); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clk.Add(23 * time.Hour)
	sched.RunDue(ctx)
	rep := tr.Audit()
	if len(r.retired) != 1 || r.retired[0] != spk {
		t.Fatalf("retired = %v", r.retired)
	}
	if rep.TotalKeys != 2 || rep.DeletedKeys != 1 || rep.ExpectedDeleted != 1 || !rep.Maintained {
		t.Fatalf("report = %+v", rep)
	}

	clk.Add(time.Hour)
	if rep := tr.Audit(); rep.Maintained {
		t.Fatalf("overdue deletion reported as maintained: %+v", rep)
	}
	sched.RunDue(ctx)
	if rep := tr.Audit(); rep.DeletedKeys != 2 || !rep.Maintained {
		t.Fatalf("report = %+v", rep)
	}
}

func TestFailedDeletionIsAuditedAndNotMarked(t *testing.T) {
	clk := clock.NewMock()
	sched := scheduler.New(clk)
	rec := &audit.Recorder{}
	tr := forwardsecrecy.New(sched, forwardsecrecy.WithAuditor(rec), forwardsecrecy.WithLifetime(time.Minute))
	tr.SetRetirer(&fakeRetirer{fail: true})
	ctx := context.Background()

	tr.Register(ctx, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 7})
	clk.Add(time.Minute)
	sched.RunDue(ctx)

	if rep := tr.Audit(); rep.DeletedKeys != 0 || rep.Maintained {
		t.Fatalf("report = %+v", rep)
	}
	if rec.Count(domain.EventKeyDeletionFailed) != 1 {
		t.Fatal("failure not audited")
	}
}

func TestMarkDeletedCancelsTimer(t *testing.T) {
	clk := clock.NewMock()
	sched := scheduler.New(clk)
	tr := forwardsecrecy.New(sched)
	r := &fakeRetirer{}
	tr.SetRetirer(r)
	ctx := context.Background()
	ref := domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 3}

	tr.Register(ctx, ref)
	tr.MarkDeleted(ctx, ref)
	clk.Add(48 * time.Hour)
	sched.RunDue(ctx)
	if len(r.retired) != 0 {
		t.Fatal("timer fired for an already deleted key")
	}
	if recs := tr.Records(); len(recs) != 1 || !recs[0].Deleted {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRestoreReschedules(t *testing.T) {
	clk := clock.NewMock()
	kv := memKV{}
	ctx := context.Background()
	ref := domain.KeyRef{Type: domain.KeyTypeSignedPreKey, ID: 9}

	first := forwardsecrecy.New(scheduler.New(clk), forwardsecrecy.WithStore(kv))
	first.Register(ctx, ref)

	sched := scheduler.New(clk)
	second := forwardsecrecy.New(sched, forwardsecrecy.WithStore(kv))
	r := &fakeRetirer{}
	second.SetRetirer(r)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	clk.Add(25 * time.Hour)
	sched.RunDue(ctx)
	if len(r.retired) != 1 || r.retired[0] != ref {
		t.Fatalf("retired = %v", r.retired)
	}
}

type countingKV struct {
	memKV
	puts int
}

func (c *countingKV) Put(ctx context.Context, k string, v []byte) error {
	c.puts++
	return c.memKV.Put(ctx, k, v)
}

func TestRegisterBatchPersistsOnce(t *testing.T) {
	clk := clock.NewMock()
	kv := &countingKV{memKV: memKV{}}
	tr := forwardsecrecy.New(scheduler.New(clk), forwardsecrecy.WithStore(kv))
	ctx := context.Background()

	refs := []domain.KeyRef{{Type: domain.KeyTypeSignedPreKey, ID: 1}}
	for i := 1; i <= 50; i++ {
		refs = append(refs, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: domain.KeyID(i)})
	}
	if err := tr.Register(ctx, refs...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if kv.puts != 1 {
		t.Fatalf("ledger written %d times for one batch", kv.puts)
	}
	if rep := tr.Audit(); rep.TotalKeys != 51 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestDeletedRecordsPrunedAfterRetention(t *testing.T) {
	clk := clock.NewMock()
	kv := memKV{}
	tr := forwardsecrecy.New(scheduler.New(clk),
		forwardsecrecy.WithStore(kv),
		forwardsecrecy.WithRetention(48*time.Hour))
	ctx := context.Background()

	old := domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 1}
	tr.Register(ctx, old)
	tr.MarkDeleted(ctx, old)

	clk.Add(48 * time.Hour)
	tr.Register(ctx, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 2})
	if rep := tr.Audit(); rep.TotalKeys != 2 || rep.DeletedKeys != 1 {
		t.Fatalf("record dropped inside the retention window: %+v", rep)
	}

	clk.Add(time.Minute)
	tr.Register(ctx, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: 3})
	rep := tr.Audit()
	if rep.TotalKeys != 2 || rep.DeletedKeys != 0 || !rep.Maintained {
		t.Fatalf("report after retention = %+v", rep)
	}

	restored := forwardsecrecy.New(scheduler.New(clk), forwardsecrecy.WithStore(kv))
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, rec := range restored.Records() {
		if rec.KeyID == old.ID {
			t.Fatal("pruned record persisted")
		}
	}
}
