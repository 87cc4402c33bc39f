package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bob-contactsync/internal/cache"
	"bob-contactsync/internal/detector"
	"bob-contactsync/internal/directory"
	"bob-contactsync/internal/domain"
	"bob-contactsync/internal/invitation"
	"bob-contactsync/internal/phone"
	"bob-contactsync/internal/retry"
	"bob-contactsync/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// memDirectory 内存版远端通讯录
type memDirectory struct {
	mu sync.Mutex

	nextID      int
	contacts    map[string]domain.ContactRecord // phone -> record
	invitations []domain.Invitation
	accounts    []domain.Account

	listErr     error
	listInvErr  error
	accountsErr error
	// failPush phone -> 前 N 次推送返回的错误（N<0 表示一直失败）
	failPush  map[string]pushFailure
	attempts  map[string]int
	deleted   []domain.RemoteID
	deleteErr error

	inFlight    int
	maxInFlight int
	onPush      func(rec domain.ContactRecord)
	pushDelay   time.Duration
	bulkBatches []int
	// noRemoteID 这些号码的创建应答不带 ID
	noRemoteID map[string]bool
}

type pushFailure struct {
	times int
	err   error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		nextID:   100,
		contacts: map[string]domain.ContactRecord{},
		failPush:   map[string]pushFailure{},
		attempts:   map[string]int{},
		noRemoteID: map[string]bool{},
	}
}

func (d *memDirectory) seed(name, number string) domain.ContactRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(domain.ContactRecord{Name: name, Phone: phone.Normalize(number)})
}

func (d *memDirectory) insertLocked(rec domain.ContactRecord) domain.ContactRecord {
	d.nextID++
	rec.PendingPush = false
	rec.Origin = domain.OriginRemotePull
	rec.LastUpdated = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec.AssignRemote(domain.RemoteID{Primary: fmt.Sprintf("doc%d", d.nextID), Fallback: fmt.Sprint(d.nextID)})
	d.contacts[rec.Phone] = rec
	return rec
}

func (d *memDirectory) List(context.Context) ([]domain.ContactRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]domain.ContactRecord, 0, len(d.contacts))
	for _, rec := range d.contacts {
		out = append(out, rec)
	}
	return out, nil
}

func (d *memDirectory) ListInvitations(context.Context) ([]domain.Invitation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listInvErr != nil {
		return nil, d.listInvErr
	}
	return append([]domain.Invitation{}, d.invitations...), nil
}

func (d *memDirectory) beginPush(rec domain.ContactRecord) error {
	d.mu.Lock()
	d.attempts[rec.Phone]++
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	hook := d.onPush
	delay := d.pushDelay
	var err error
	if f, ok := d.failPush[rec.Phone]; ok && (f.times < 0 || d.attempts[rec.Phone] <= f.times) {
		err = f.err
	}
	d.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (d *memDirectory) endPush() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
}

func (d *memDirectory) CreateOrGet(_ context.Context, rec domain.ContactRecord) (domain.ContactRecord, bool, error) {
	err := d.beginPush(rec)
	defer d.endPush()
	if err != nil {
		return domain.ContactRecord{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noRemoteID[rec.Phone] {
		rec.Remote = domain.RemoteID{}
		return rec, false, nil
	}
	if existing, ok := d.contacts[rec.Phone]; ok {
		return existing, true, nil
	}
	return d.insertLocked(rec), false, nil
}

func (d *memDirectory) Update(_ context.Context, id domain.RemoteID, rec domain.ContactRecord) (domain.ContactRecord, error) {
	err := d.beginPush(rec)
	defer d.endPush()
	if err != nil {
		return domain.ContactRecord{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, existing := range d.contacts {
		if existing.Remote.Primary == id.Primary {
			existing.Name = rec.Name
			existing.Email = rec.Email
			delete(d.contacts, p)
			d.contacts[rec.Phone] = existing
			return existing, nil
		}
	}
	return domain.ContactRecord{}, domain.ErrNotFound
}

func (d *memDirectory) Delete(_ context.Context, id domain.RemoteID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, id)
	for p, existing := range d.contacts {
		if existing.Remote.Primary == id.Primary {
			delete(d.contacts, p)
		}
	}
	return nil
}

func (d *memDirectory) BulkImport(ctx context.Context, records []domain.ContactRecord, batchSize int) (directory.BulkResult, error) {
	var res directory.BulkResult
	for _, batch := range Chunk(records, batchSize) {
		d.mu.Lock()
		d.bulkBatches = append(d.bulkBatches, len(batch))
		b := directory.BulkResult{Batches: 1}
		for _, rec := range batch {
			if f, ok := d.failPush[rec.Phone]; ok {
				b.Errors = append(b.Errors, domain.ItemError{ID: rec.ID, Phone: rec.Phone, Err: f.err})
				continue
			}
			if d.noRemoteID[rec.Phone] {
				rec.Remote = domain.RemoteID{}
				b.Created = append(b.Created, rec)
				continue
			}
			if existing, ok := d.contacts[rec.Phone]; ok {
				b.Duplicates = append(b.Duplicates, existing)
				continue
			}
			b.Created = append(b.Created, d.insertLocked(rec))
		}
		d.mu.Unlock()
		res.Merge(b)
	}
	return res, nil
}

func (d *memDirectory) ListAccounts(context.Context) ([]domain.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.accountsErr != nil {
		return nil, d.accountsErr
	}
	return append([]domain.Account{}, d.accounts...), nil
}

func (d *memDirectory) CreateInvitation(_ context.Context, inv domain.Invitation) (domain.RemoteID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := domain.RemoteID{Primary: fmt.Sprintf("inv%d", d.nextID)}
	inv.ID = id.Primary
	inv.Remote = id
	inv.NeedsReconcile = false
	d.invitations = append(d.invitations, inv)
	return id, nil
}

func (d *memDirectory) UpdateInvitation(_ context.Context, id domain.RemoteID, inv domain.Invitation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.invitations {
		if d.invitations[i].Remote.Primary == id.Primary {
			inv.NeedsReconcile = false
			d.invitations[i] = inv
			return nil
		}
	}
	return domain.ErrNotFound
}

func (d *memDirectory) DeleteInvitation(_ context.Context, id domain.RemoteID) error {
	return nil
}

func (d *memDirectory) attemptsFor(number string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[phone.Normalize(number)]
}

type harness struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	cache *cache.ContactCache
	dir   *memDirectory
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	c := cache.NewContactCache(store.NewRedisKV(rdb), "bob", "user-1", logger)
	dir := newMemDirectory()
	det := detector.NewDetector(dir, time.Second, logger)
	tracker := invitation.NewTracker(dir, nil, logger)

	if opts.UserID == "" {
		opts.UserID = "user-1"
	}
	if opts.ChunkRetry.MaxAttempts == 0 {
		opts.ChunkRetry = retry.Default().WithAttempts(3, time.Millisecond)
	}
	orch := NewOrchestrator(c, dir, det, tracker, nil, NewStreamPublisher(rdb, "contacts:sync-events", 100), logger, opts)
	return &harness{mr: mr, rdb: rdb, cache: c, dir: dir, orch: orch}
}

func (h *harness) saveRepertoire(t *testing.T, records ...domain.ContactRecord) {
	h.cache.Save(context.Background(), &cache.Snapshot{Repertoire: records}, cache.CollectionRepertoire)
}

func localRecord(name, number string) domain.ContactRecord {
	return domain.ContactRecord{
		ID:              domain.NewLocalID(),
		Name:            name,
		Phone:           phone.Normalize(number),
		InvitationState: domain.InvitationNone,
		Origin:          domain.OriginDeviceImport,
		PendingPush:     true,
	}
}

func phoneN(i int) string {
	return fmt.Sprintf("+336%08d", i)
}

// flakyKV 前 failGets 次读取返回存储错误
type flakyKV struct {
	store.KV
	mu       sync.Mutex
	failGets int
}

func (f *flakyKV) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return "", errors.New("connection reset by peer")
	}
	return f.KV.Get(ctx, key)
}

// useFlakyCache 让编排器改用读取会失败的缓存（h.cache 仍直接读写同一个 Redis）
func (h *harness) useFlakyCache(failGets int) {
	kv := &flakyKV{KV: store.NewRedisKV(h.rdb), failGets: failGets}
	h.orch.cache = cache.NewContactCache(kv, "bob", "user-1", zap.NewNop())
}
