package founding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTenants(t *testing.T, db *store.DB, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.New().String()
		err := db.InsertTenant(context.Background(), domain.Tenant{
			ID: ids[i], Slug: fmt.Sprintf("t-%d", i), CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return ids
}

func TestTryAssign_ConcurrentCallersGetDistinctOrdinals(t *testing.T) {
	db := newTestDB(t)
	a := New(db, zap.NewNop(), 0, "")
	ids := seedTenants(t, db, 150)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		seen      = map[int]string{}
		exhausted int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			asg, err := a.TryAssign(context.Background(), id)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrSlotsExhausted) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("TryAssign(%s) error: %v", id, err)
				return
			}
			if prev, dup := seen[asg.Ordinal]; dup {
				t.Errorf("ordinal %d issued to %s and %s", asg.Ordinal, prev, id)
			}
			seen[asg.Ordinal] = id
		}(id)
	}
	wg.Wait()

	if len(seen) != 100 {
		t.Errorf("assigned = %d, want 100", len(seen))
	}
	if exhausted != 50 {
		t.Errorf("exhausted = %d, want 50", exhausted)
	}
	for n := 1; n <= 100; n++ {
		if _, ok := seen[n]; !ok {
			t.Errorf("ordinal %d never issued", n)
		}
	}
}

func TestTryAssign_Existing(t *testing.T) {
	db := newTestDB(t)
	a := New(db, zap.NewNop(), 10, "")
	id := seedTenants(t, db, 1)[0]

	first, err := a.TryAssign(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	again, err := a.TryAssign(context.Background(), id)
	if err != nil {
		t.Fatalf("TryAssign(again) error: %v", err)
	}
	if !again.Existing || again.Ordinal != first.Ordinal {
		t.Errorf("TryAssign(again) = %+v, want existing ordinal %d", again, first.Ordinal)
	}

	st, _ := a.Status(context.Background())
	if st.Assigned != 1 || st.Remaining != 9 {
		t.Errorf("Status() = %+v, want 1 assigned, 9 remaining", st)
	}
}

func TestOverride_RequiresToken(t *testing.T) {
	db := newTestDB(t)
	a := New(db, zap.NewNop(), 5, "admin-secret")
	id := seedTenants(t, db, 1)[0]

	if _, err := a.Override(context.Background(), id, "wrong"); !errors.Is(err, domain.ErrAdminForbidden) {
		t.Errorf("Override(wrong) error = %v, want ErrAdminForbidden", err)
	}
	if _, err := a.Override(context.Background(), id, ""); !errors.Is(err, domain.ErrAdminForbidden) {
		t.Errorf("Override(empty) error = %v, want ErrAdminForbidden", err)
	}
	asg, err := a.Override(context.Background(), id, "admin-secret")
	if err != nil || asg.Ordinal != 1 {
		t.Errorf("Override() = %+v, %v; want ordinal 1", asg, err)
	}
}

func TestOverride_NoTokenConfigured(t *testing.T) {
	db := newTestDB(t)
	a := New(db, zap.NewNop(), 5, "")
	id := seedTenants(t, db, 1)[0]
	if _, err := a.Override(context.Background(), id, "anything"); !errors.Is(err, domain.ErrAdminForbidden) {
		t.Errorf("Override() error = %v, want ErrAdminForbidden", err)
	}
}

func TestOverride_CannotExceedLimit(t *testing.T) {
	db := newTestDB(t)
	a := New(db, zap.NewNop(), 1, "tok")
	ids := seedTenants(t, db, 2)

	if _, err := a.TryAssign(context.Background(), ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Override(context.Background(), ids[1], "tok"); !errors.Is(err, domain.ErrSlotsExhausted) {
		t.Errorf("Override() error = %v, want ErrSlotsExhausted", err)
	}
}
