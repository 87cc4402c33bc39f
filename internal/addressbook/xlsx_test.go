package addressbook

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"bob-contactsync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func writeAddressBook(t *testing.T, rows [][]interface{}) string {
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	path := filepath.Join(t.TempDir(), "contacts.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXProvider_Scan(t *testing.T) {
	path := writeAddressBook(t, [][]interface{}{
		{"Email", "Name", "Phone", "Phone 2"},
		{"alice@example.com", "Alice", "06 12 34 56 78; +1 415 555 0100", ""},
		{"", "Bob", "", "0712345678"},
		{"", "", "", ""},
		{"", "Carol", "", ""},
	})
	s := NewScanner(NewXLSXProvider(path), 2, zap.NewNop())

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Raw, 3)
	assert.Equal(t, "row-2", res.Raw[0].ID)
	assert.Equal(t, []string{"06 12 34 56 78", "+1 415 555 0100"}, res.Raw[0].PhoneNumbers)
	assert.Equal(t, []string{"alice@example.com"}, res.Raw[0].Emails)
	assert.Equal(t, []string{"0712345678"}, res.Raw[1].PhoneNumbers)
	assert.Empty(t, res.Raw[2].PhoneNumbers)
	assert.Equal(t, 3, res.Meta.PhoneCount)
}

func TestXLSXProvider_MissingFileIsDenied(t *testing.T) {
	s := NewScanner(NewXLSXProvider(filepath.Join(t.TempDir(), "nope.xlsx")), 10, zap.NewNop())
	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestXLSXProvider_RequiresPhoneColumn(t *testing.T) {
	path := writeAddressBook(t, [][]interface{}{
		{"Name"},
		{"Alice"},
	})
	_, err := NewXLSXProvider(path).ReadContactsPage(context.Background(), 10, 0)
	assert.ErrorContains(t, err, "no Phone column")
}

func TestExportRepertoire(t *testing.T) {
	records := []domain.ContactRecord{
		{ID: "doc1", Remote: domain.RemoteID{Primary: "doc1"}, Name: "Alice", Phone: "+33612345678",
			IsPlatformMember: true, MemberProfile: &domain.MemberProfile{Username: "alice"},
			InvitationState: domain.InvitationNone, Origin: domain.OriginRemotePull,
			LastUpdated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: domain.NewLocalID(), Name: "Bob", Phone: "+33712345678", InvitationState: domain.InvitationInvited,
			InvitationCount: 1, Origin: domain.OriginDeviceImport},
	}
	invitations := []domain.Invitation{
		{ID: "inv1", ContactPhone: "+33712345678", Channel: domain.ChannelSMS, Status: domain.StatusSent,
			SentAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), ReferralCode: "BOB-ABCDEF12"},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportRepertoire(&buf, records, invitations))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Repertoire", "Invitations"}, f.GetSheetList())

	rows, err := f.GetRows("Repertoire")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, repertoireHeader, rows[0])
	assert.Equal(t, "Alice", rows[1][0])
	assert.Equal(t, "Yes", rows[1][3])
	assert.Equal(t, "alice", rows[1][4])
	assert.Equal(t, "Yes", rows[1][8])
	assert.Equal(t, "2026-01-02 03:04:05", rows[1][9])
	assert.Equal(t, "No", rows[2][8])

	invRows, err := f.GetRows("Invitations")
	require.NoError(t, err)
	require.Len(t, invRows, 2)
	assert.Equal(t, "BOB-ABCDEF12", invRows[1][5])
}
