package datastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

const (
	colTasks         = "tasks"
	colClasses       = "classes"
	colHabits        = "habits"
	colSubscriptions = "pushSubscriptions"
)

// Firestore keeps one collection per record family. Flag patches and edits
// run in transactions so a concurrent edit can't resurrect stale flags.
type Firestore struct {
	client *firestore.Client
	log    logx.Logger
	now    func() time.Time
}

func OpenFirestore(ctx context.Context, cfg Config, log logx.Logger) (*Firestore, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("datastore: firestore project id is required")
	}
	var opts []option.ClientOption
	if p := strings.TrimSpace(cfg.CredentialsFile); p != "" {
		opts = append(opts, option.WithCredentialsFile(p))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return NewFirestore(client, log), nil
}

// NewFirestore wraps an existing client (emulator tests, shared clients).
func NewFirestore(client *firestore.Client, log logx.Logger) *Firestore {
	return &Firestore{client: client, log: log, now: time.Now}
}

func (s *Firestore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ---- documents ----

// Firestore map keys must be strings, so offsets flags are keyed by "15".
type fsFireFlags struct {
	Exact   bool            `firestore:"exact"`
	Offsets map[string]bool `firestore:"offsets,omitempty"`
}

type fsOffset struct {
	Minutes int    `firestore:"minutes"`
	Label   string `firestore:"label,omitempty"`
}

type fsTask struct {
	UserID    string                 `firestore:"userId"`
	Title     string                 `firestore:"title"`
	Date      string                 `firestore:"date"`
	Time      string                 `firestore:"time"`
	Completed bool                   `firestore:"completed"`
	Offsets   []fsOffset             `firestore:"offsets"`
	Flags     map[string]fsFireFlags `firestore:"flags"`
	UpdatedAt time.Time              `firestore:"updatedAt"`
}

type fsClass struct {
	UserID    string                 `firestore:"userId"`
	Subject   string                 `firestore:"subject"`
	Weekday   int                    `firestore:"weekday"`
	StartTime string                 `firestore:"startTime"`
	EndTime   string                 `firestore:"endTime"`
	Room      string                 `firestore:"room"`
	Offset    fsOffset               `firestore:"offset"`
	Flags     map[string]fsFireFlags `firestore:"flags"`
	UpdatedAt time.Time              `firestore:"updatedAt"`
}

type fsHabit struct {
	UserID         string                 `firestore:"userId"`
	Title          string                 `firestore:"title"`
	CompletedDates []string               `firestore:"completedDates"`
	Flags          map[string]fsFireFlags `firestore:"flags"`
	UpdatedAt      time.Time              `firestore:"updatedAt"`
}

type fsSubscription struct {
	UserID    string    `firestore:"userId"`
	Endpoint  string    `firestore:"endpoint"`
	P256dh    string    `firestore:"p256dh"`
	Auth      string    `firestore:"auth"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func toFSFlags(f domain.Flags) map[string]fsFireFlags {
	if len(f) == 0 {
		return map[string]fsFireFlags{}
	}
	out := make(map[string]fsFireFlags, len(f))
	for owner, ff := range f {
		x := fsFireFlags{Exact: ff.Exact}
		if len(ff.Offsets) > 0 {
			x.Offsets = make(map[string]bool, len(ff.Offsets))
			for m, v := range ff.Offsets {
				x.Offsets[strconv.Itoa(m)] = v
			}
		}
		out[string(owner)] = x
	}
	return out
}

func fromFSFlags(in map[string]fsFireFlags) domain.Flags {
	if len(in) == 0 {
		return nil
	}
	out := make(domain.Flags, len(in))
	for owner, x := range in {
		ff := domain.FireFlags{Exact: x.Exact}
		for k, v := range x.Offsets {
			m, err := strconv.Atoi(k)
			if err != nil || !v {
				continue
			}
			if ff.Offsets == nil {
				ff.Offsets = map[int]bool{}
			}
			ff.Offsets[m] = true
		}
		if ff.Any() {
			out[domain.Owner(owner)] = ff
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func toFSOffsets(in []domain.Offset) []fsOffset {
	out := make([]fsOffset, 0, len(in))
	for _, o := range in {
		out = append(out, fsOffset{Minutes: o.Minutes, Label: o.Label})
	}
	return out
}

func fromFSOffsets(in []fsOffset) []domain.Offset {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Offset, 0, len(in))
	for _, o := range in {
		out = append(out, domain.Offset{Minutes: o.Minutes, Label: o.Label})
	}
	return out
}

func (d fsTask) toDomain(id string) domain.Task {
	return domain.Task{ID: id, UserID: d.UserID, Title: d.Title, Date: d.Date, Time: d.Time,
		Completed: d.Completed, Offsets: fromFSOffsets(d.Offsets), Flags: fromFSFlags(d.Flags)}
}

func (d fsClass) toDomain(id string) domain.ClassSlot {
	return domain.ClassSlot{ID: id, UserID: d.UserID, Subject: d.Subject, Weekday: time.Weekday(d.Weekday),
		StartTime: d.StartTime, EndTime: d.EndTime, Room: d.Room,
		Offset: domain.Offset{Minutes: d.Offset.Minutes, Label: d.Offset.Label}, Flags: fromFSFlags(d.Flags)}
}

func (d fsHabit) toDomain(id string) domain.Habit {
	return domain.Habit{ID: id, UserID: d.UserID, Title: d.Title, CompletedDates: d.CompletedDates, Flags: fromFSFlags(d.Flags)}
}

func (d fsSubscription) toDomain(id string) domain.PushSubscription {
	return domain.PushSubscription{ID: id, UserID: d.UserID, Endpoint: d.Endpoint, P256dh: d.P256dh,
		Auth: d.Auth, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
}

// ---- queries ----

func getAll[T any](ctx context.Context, q firestore.Query, fn func(id string, doc T)) error {
	it := q.Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var doc T
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}
		fn(snap.Ref.ID, doc)
	}
}

func (s *Firestore) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := s.client.Collection(colTasks).Query
	if f.UserID != "" {
		q = q.Where("userId", "==", f.UserID)
	}
	if len(f.Dates) > 0 {
		q = q.Where("date", "in", f.Dates)
	}
	if f.Completed != nil {
		q = q.Where("completed", "==", *f.Completed)
	}
	var out []domain.Task
	err := getAll(ctx, q, func(id string, d fsTask) { out = append(out, d.toDomain(id)) })
	return out, err
}

func (s *Firestore) ListClasses(ctx context.Context, f ClassFilter) ([]domain.ClassSlot, error) {
	q := s.client.Collection(colClasses).Query
	if f.UserID != "" {
		q = q.Where("userId", "==", f.UserID)
	}
	if f.Weekday != nil {
		q = q.Where("weekday", "==", int(*f.Weekday))
	}
	var out []domain.ClassSlot
	err := getAll(ctx, q, func(id string, d fsClass) { out = append(out, d.toDomain(id)) })
	return out, err
}

func (s *Firestore) ListHabits(ctx context.Context, f HabitFilter) ([]domain.Habit, error) {
	q := s.client.Collection(colHabits).Query
	if f.UserID != "" {
		q = q.Where("userId", "==", f.UserID)
	}
	var out []domain.Habit
	err := getAll(ctx, q, func(id string, d fsHabit) { out = append(out, d.toDomain(id)) })
	return out, err
}

// ---- writes ----

func collection(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindTask:
		return colTasks, nil
	case domain.KindClass:
		return colClasses, nil
	case domain.KindHabit:
		return colHabits, nil
	}
	return "", fmt.Errorf("%w: kind %q", domain.ErrInvalid, kind)
}

func isNotFound(err error) bool { return status.Code(err) == codes.NotFound }

func (s *Firestore) UpdateFlags(ctx context.Context, kind domain.Kind, id string, p domain.FlagPatch) error {
	col, err := collection(kind)
	if err != nil {
		return err
	}
	ref := s.client.Collection(col).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		if err != nil {
			return err
		}
		var cur struct {
			Flags map[string]fsFireFlags `firestore:"flags"`
		}
		if err := snap.DataTo(&cur); err != nil {
			return err
		}
		next := fromFSFlags(cur.Flags).Apply(p)
		return tx.Update(ref, []firestore.Update{{Path: "flags", Value: toFSFlags(next)}})
	})
}

func (s *Firestore) SaveTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.Offsets = domain.NormalizeOffsets(t.Offsets)
	if err := validateTask(t); err != nil {
		return domain.Task{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ref := s.client.Collection(colTasks).Doc(t.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		t.Flags = nil
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			var prev fsTask
			if err := snap.DataTo(&prev); err != nil {
				return err
			}
			if p := prev.toDomain(t.ID); p.SameSchedule(t) {
				t.Flags = p.Flags
			}
		}
		return tx.Set(ref, fsTask{UserID: t.UserID, Title: t.Title, Date: t.Date, Time: t.Time,
			Completed: t.Completed, Offsets: toFSOffsets(t.Offsets), Flags: toFSFlags(t.Flags), UpdatedAt: s.now().UTC()})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Firestore) SaveClass(ctx context.Context, c domain.ClassSlot) (domain.ClassSlot, error) {
	if err := validateClass(c); err != nil {
		return domain.ClassSlot{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ref := s.client.Collection(colClasses).Doc(c.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		c.Flags = nil
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			var prev fsClass
			if err := snap.DataTo(&prev); err != nil {
				return err
			}
			if p := prev.toDomain(c.ID); p.SameSchedule(c) {
				c.Flags = p.Flags
			}
		}
		return tx.Set(ref, fsClass{UserID: c.UserID, Subject: c.Subject, Weekday: int(c.Weekday),
			StartTime: c.StartTime, EndTime: c.EndTime, Room: c.Room,
			Offset: fsOffset{Minutes: c.Offset.Minutes, Label: c.Offset.Label},
			Flags:  toFSFlags(c.Flags), UpdatedAt: s.now().UTC()})
	})
	if err != nil {
		return domain.ClassSlot{}, err
	}
	return c, nil
}

func (s *Firestore) SaveHabit(ctx context.Context, h domain.Habit) (domain.Habit, error) {
	if err := validateHabit(h); err != nil {
		return domain.Habit{}, err
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	ref := s.client.Collection(colHabits).Doc(h.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		h.Flags = nil
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			var prev fsHabit
			if err := snap.DataTo(&prev); err != nil {
				return err
			}
			if p := prev.toDomain(h.ID); p.SameSchedule(h) {
				h.Flags = p.Flags
			}
		}
		return tx.Set(ref, fsHabit{UserID: h.UserID, Title: h.Title, CompletedDates: nonNilStrings(h.CompletedDates),
			Flags: toFSFlags(h.Flags), UpdatedAt: s.now().UTC()})
	})
	if err != nil {
		return domain.Habit{}, err
	}
	return h, nil
}

func (s *Firestore) Delete(ctx context.Context, kind domain.Kind, id string) error {
	col, err := collection(kind)
	if err != nil {
		return err
	}
	ref := s.client.Collection(col).Doc(id)
	if _, err := ref.Get(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		return err
	}
	_, err = ref.Delete(ctx)
	return err
}

// ---- subscriptions ----

// subscriptionDocID makes (userID, endpoint) unique by construction.
func subscriptionDocID(userID, endpoint string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + endpoint))
	return hex.EncodeToString(sum[:16])
}

func (s *Firestore) UpsertSubscription(ctx context.Context, sub domain.PushSubscription) (domain.PushSubscription, error) {
	if err := validateSubscription(sub); err != nil {
		return domain.PushSubscription{}, err
	}
	sub.ID = subscriptionDocID(sub.UserID, sub.Endpoint)
	ref := s.client.Collection(colSubscriptions).Doc(sub.ID)
	now := s.now().UTC()
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		sub.CreatedAt = now
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			var prev fsSubscription
			if err := snap.DataTo(&prev); err != nil {
				return err
			}
			sub.CreatedAt = prev.CreatedAt
		}
		sub.UpdatedAt = now
		return tx.Set(ref, fsSubscription{UserID: sub.UserID, Endpoint: sub.Endpoint, P256dh: sub.P256dh,
			Auth: sub.Auth, CreatedAt: sub.CreatedAt, UpdatedAt: sub.UpdatedAt})
	})
	if err != nil {
		return domain.PushSubscription{}, err
	}
	return sub, nil
}

func (s *Firestore) DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error) {
	ref := s.client.Collection(colSubscriptions).Doc(subscriptionDocID(userID, endpoint))
	if _, err := ref.Get(ctx); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Firestore) DeleteSubscriptionsByEndpoint(ctx context.Context, endpoint string) (int, error) {
	var ids []string
	q := s.client.Collection(colSubscriptions).Where("endpoint", "==", endpoint)
	if err := getAll(ctx, q, func(id string, _ fsSubscription) { ids = append(ids, id) }); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.client.Collection(colSubscriptions).Doc(id).Delete(ctx); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Firestore) ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	q := s.client.Collection(colSubscriptions).Where("userId", "==", userID)
	var out []domain.PushSubscription
	err := getAll(ctx, q, func(id string, d fsSubscription) { out = append(out, d.toDomain(id)) })
	return out, err
}
