package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"microchat/internal/models"
	"microchat/internal/storage/memory"
)

var errDown = errors.New("connection refused")

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) CreateUser(context.Context, *models.User) error { return errDown }
func (brokenStore) FindByUsername(context.Context, string) (models.User, error) {
	return models.User{}, errDown
}
func (brokenStore) FindByID(context.Context, uint) (models.User, error) {
	return models.User{}, errDown
}
func (brokenStore) CreateMessage(context.Context, *models.Message) error { return errDown }
func (brokenStore) Conversation(context.Context, uint, uint, int) ([]models.Message, error) {
	return nil, errDown
}

func TestRegisterThenAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(memory.New())

	acc, err := svc.Register(ctx, "  alice ", "s3cret")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if acc.ID == 0 || acc.Username != "alice" {
		t.Errorf("Register() = %+v, want trimmed username and non-zero id", acc)
	}

	got, err := svc.Authenticate(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got != acc {
		t.Errorf("Authenticate() = %+v, want %+v", got, acc)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(memory.New())
	if _, err := svc.Register(ctx, "bob", "right"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "bob", "wrong"},
		{"unknown user", "nobody", "right"},
		{"empty password", "bob", ""},
		{"empty username", "", "right"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := NewUserService(memory.New())
	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "pw"},
		{"blank username", "   ", "pw"},
		{"empty password", "carol", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(context.Background(), tt.username, tt.password); !errors.Is(err, ErrMissingField) {
				t.Errorf("Register() error = %v, want ErrMissingField", err)
			}
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(memory.New())
	if _, err := svc.Register(ctx, "dave", "pw1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Register(ctx, "dave", "pw2"); !errors.Is(err, ErrDuplicateUsername) {
		t.Errorf("second Register() error = %v, want ErrDuplicateUsername", err)
	}
}

func TestRegister_ConcurrentDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(memory.New())

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, dup := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, "erin", "pw")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDuplicateUsername):
				dup++
			default:
				t.Errorf("Register() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || dup != 7 {
		t.Errorf("created = %d, duplicates = %d, want 1 and 7", created, dup)
	}
}

func TestUserService_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(brokenStore{})

	if _, err := svc.Register(ctx, "frank", "pw"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Register() error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := svc.Authenticate(ctx, "frank", "pw"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Authenticate() error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := svc.Lookup(ctx, 1); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Lookup() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	svc := NewUserService(memory.New())
	acc, _ := svc.Register(ctx, "grace", "pw")

	got, err := svc.Lookup(ctx, acc.ID)
	if err != nil || got.Username != "grace" {
		t.Errorf("Lookup() = %+v, %v", got, err)
	}
	if _, err := svc.Lookup(ctx, 999); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Lookup() missing error = %v, want ErrUserNotFound", err)
	}
}

func TestAppend(t *testing.T) {
	ctx := context.Background()
	svc := NewMessageService(memory.New())

	msg, err := svc.Append(ctx, 1, 2, "hi")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.ID == 0 || msg.SenderID != 1 || msg.ReceiverID != 2 || msg.Content != "hi" {
		t.Errorf("Append() = %+v", msg)
	}
	if msg.CreatedAt.IsZero() || msg.CreatedAt.Location() != time.UTC {
		t.Errorf("Append() timestamp = %v, want server-assigned UTC", msg.CreatedAt)
	}

	for _, bad := range []struct {
		sender, receiver uint
		content          string
	}{{1, 0, "x"}, {1, 2, ""}, {1, 2, "  "}, {0, 2, "x"}} {
		if _, err := svc.Append(ctx, bad.sender, bad.receiver, bad.content); !errors.Is(err, ErrIncompleteMessage) {
			t.Errorf("Append(%v) error = %v, want ErrIncompleteMessage", bad, err)
		}
	}

	if _, err := NewMessageService(brokenStore{}).Append(ctx, 1, 2, "hi"); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Append() on broken store error = %v, want ErrStorageUnavailable", err)
	}
}

func TestHistory_BothDirectionsAscending(t *testing.T) {
	ctx := context.Background()
	svc := NewMessageService(memory.New())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	mustAppend(t, svc, 1, 2, "a->b")
	mustAppend(t, svc, 2, 1, "b->a")
	mustAppend(t, svc, 1, 3, "a->c")
	mustAppend(t, svc, 2, 1, "b->a again")

	for _, pair := range [][2]uint{{1, 2}, {2, 1}} {
		msgs, err := svc.History(ctx, pair[0], pair[1], 0)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		want := []string{"a->b", "b->a", "b->a again"}
		if len(msgs) != len(want) {
			t.Fatalf("History(%v) len = %d, want %d", pair, len(msgs), len(want))
		}
		for i, m := range msgs {
			if m.Content != want[i] {
				t.Errorf("History(%v)[%d] = %q, want %q", pair, i, m.Content, want[i])
			}
			if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
				t.Errorf("History(%v) not ascending at %d", pair, i)
			}
		}
	}
}

func TestHistory_Limit(t *testing.T) {
	ctx := context.Background()
	svc := NewMessageService(memory.New())
	for i := 0; i < HistoryLimit+20; i++ {
		mustAppend(t, svc, 1, 2, "m")
	}

	msgs, err := svc.History(ctx, 1, 2, 500)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != HistoryLimit {
		t.Errorf("History() len = %d, want %d", len(msgs), HistoryLimit)
	}

	msgs, _ = svc.History(ctx, 1, 2, 5)
	if len(msgs) != 5 {
		t.Errorf("History(limit=5) len = %d, want 5", len(msgs))
	}

	if _, err := NewMessageService(brokenStore{}).History(ctx, 1, 2, 0); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("History() on broken store error = %v, want ErrStorageUnavailable", err)
	}
}

func mustAppend(t *testing.T, svc *MessageService, from, to uint, content string) {
	t.Helper()
	if _, err := svc.Append(context.Background(), from, to, content); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
}
