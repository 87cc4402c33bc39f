package addressbook

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bob-contactsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleContacts(n int) []domain.RawContact {
	out := make([]domain.RawContact, n)
	for i := range out {
		out[i] = domain.RawContact{
			ID:           fmt.Sprintf("dev-%d", i),
			DisplayName:  fmt.Sprintf("Contact %d", i),
			PhoneNumbers: []string{fmt.Sprintf("06 12 34 %02d %02d", i/100, i%100)},
		}
	}
	return out
}

func TestScan_ReadsAllPages(t *testing.T) {
	p := &MemoryProvider{Contacts: sampleContacts(45)}
	s := NewScanner(p, 20, zap.NewNop())

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Raw, 45)
	assert.Equal(t, 3, p.Reads)
	assert.Equal(t, 45, res.Meta.RawCount)
	assert.Equal(t, 45, res.Meta.PhoneCount)
	assert.False(t, res.Meta.ScannedAt.IsZero())
}

func TestScan_PermissionDenied(t *testing.T) {
	p := &MemoryProvider{Contacts: sampleContacts(3), Denied: true}
	s := NewScanner(p, 20, zap.NewNop())

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, 0, p.Reads)
}

func TestScan_AssignsMissingIDsAndCountsDistinctPhones(t *testing.T) {
	p := &MemoryProvider{Contacts: []domain.RawContact{
		{DisplayName: "A", PhoneNumbers: []string{"0612345678"}},
		{DisplayName: "B", PhoneNumbers: []string{"+33 6 12 34 56 78", "+1 415 555 0100"}},
		{DisplayName: "C"},
	}}
	s := NewScanner(p, 0, zap.NewNop())

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw-0", res.Raw[0].ID)
	assert.Equal(t, "raw-2", res.Raw[2].ID)
	assert.Equal(t, 3, res.Meta.RawCount)
	assert.Equal(t, 2, res.Meta.PhoneCount)
}

type cancellingProvider struct {
	MemoryProvider
	cancel context.CancelFunc
}

func (c *cancellingProvider) ReadContactsPage(ctx context.Context, pageSize, offset int) (Page, error) {
	page, err := c.MemoryProvider.ReadContactsPage(ctx, pageSize, offset)
	c.cancel()
	return page, err
}

func TestScan_CancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &cancellingProvider{MemoryProvider: MemoryProvider{Contacts: sampleContacts(50)}, cancel: cancel}
	s := NewScanner(p, 10, zap.NewNop())

	_, err := s.Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Reads)
}

type endlessProvider struct{ reads int }

func (e *endlessProvider) RequestPermission(context.Context) (bool, error) { return true, nil }

func (e *endlessProvider) ReadContactsPage(context.Context, int, int) (Page, error) {
	e.reads++
	return Page{Records: []domain.RawContact{{DisplayName: "x"}}, HasNextPage: true}, nil
}

func TestScan_PageLimit(t *testing.T) {
	p := &endlessProvider{}
	s := NewScanner(p, 1, zap.NewNop())
	s.maxPages = 5

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, p.reads)
	assert.Len(t, res.Raw, 5)
}

type failingProvider struct{}

func (failingProvider) RequestPermission(context.Context) (bool, error) { return true, nil }

func (failingProvider) ReadContactsPage(context.Context, int, int) (Page, error) {
	return Page{}, errors.New("device busy")
}

func TestScan_ReadError(t *testing.T) {
	s := NewScanner(failingProvider{}, 10, zap.NewNop())
	_, err := s.Scan(context.Background())
	assert.ErrorContains(t, err, "device busy")
}
