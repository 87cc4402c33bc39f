package addressbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"bob-contactsync/internal/domain"

	"github.com/xuri/excelize/v2"
)

// XLSXProvider 从 Excel 通讯录导出文件读取联系人（CLI 使用）
// 表头：Name | Phone | Phone 2 | Email，列顺序不限；Phone 单元格中可用 ; 分隔多个号码
type XLSXProvider struct {
	path string

	once sync.Once
	rows []domain.RawContact
	err  error
}

// NewXLSXProvider 创建 XLSX 通讯录
func NewXLSXProvider(path string) *XLSXProvider {
	return &XLSXProvider{path: path}
}

// RequestPermission 文件不存在或不可读视为未授权
func (x *XLSXProvider) RequestPermission(context.Context) (bool, error) {
	if x.path == "" {
		return false, nil
	}
	f, err := os.Open(x.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	f.Close()
	return true, nil
}

func (x *XLSXProvider) ReadContactsPage(_ context.Context, pageSize, offset int) (Page, error) {
	x.once.Do(func() {
		x.rows, x.err = x.load()
	})
	if x.err != nil {
		return Page{}, x.err
	}
	return pageOf(x.rows, pageSize, offset), nil
}

func (x *XLSXProvider) load() ([]domain.RawContact, error) {
	f, err := excelize.OpenFile(x.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open address book: %w", err)
	}
	defer f.Close()
	return ReadContacts(f)
}

// ReadContacts 读取工作簿第一个 sheet 中的联系人
func ReadContacts(f *excelize.File) ([]domain.RawContact, error) {
	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("address book has no sheets")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) < 2 {
		return []domain.RawContact{}, nil
	}

	nameCol := -1
	emailCol := -1
	var phoneCols []int
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name", "display name", "full name":
			nameCol = i
		case "email", "e-mail":
			emailCol = i
		default:
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(h)), "phone") {
				phoneCols = append(phoneCols, i)
			}
		}
	}
	if len(phoneCols) == 0 {
		return nil, fmt.Errorf("address book has no Phone column")
	}

	cell := func(row []string, col int) string {
		if col < 0 || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	out := make([]domain.RawContact, 0, len(rows)-1)
	for rowIdx := 1; rowIdx < len(rows); rowIdx++ {
		row := rows[rowIdx]
		rc := domain.RawContact{
			ID:          "row-" + strconv.Itoa(rowIdx+1),
			DisplayName: cell(row, nameCol),
		}
		for _, col := range phoneCols {
			for _, n := range strings.Split(cell(row, col), ";") {
				if n = strings.TrimSpace(n); n != "" {
					rc.PhoneNumbers = append(rc.PhoneNumbers, n)
				}
			}
		}
		if e := cell(row, emailCol); e != "" {
			rc.Emails = []string{e}
		}
		if rc.DisplayName == "" && len(rc.PhoneNumbers) == 0 && len(rc.Emails) == 0 {
			continue
		}
		out = append(out, rc)
	}
	return out, nil
}

// repertoireHeader 导出表头
var repertoireHeader = []string{
	"Name",
	"Phone",
	"Email",
	"Bob Member",
	"Member Username",
	"Invitation State",
	"Invitation Count",
	"Origin",
	"Synced",
	"Last Updated",
}

var invitationHeader = []string{
	"Phone",
	"Channel",
	"Status",
	"Sent At",
	"Reminders",
	"Referral Code",
	"Pending Reconcile",
}

// ExportRepertoire 导出 repertoire 与邀请到 Excel
func ExportRepertoire(w io.Writer, records []domain.ContactRecord, invitations []domain.Invitation) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	contactRows := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		username := ""
		if rec.MemberProfile != nil {
			username = rec.MemberProfile.Username
		}
		updated := ""
		if !rec.LastUpdated.IsZero() {
			updated = rec.LastUpdated.Format("2006-01-02 15:04:05")
		}
		contactRows = append(contactRows, []interface{}{
			rec.Name, rec.Phone, rec.Email, yesNo(rec.IsPlatformMember), username,
			string(rec.InvitationState), rec.InvitationCount, string(rec.Origin), yesNo(rec.IsSynced()), updated,
		})
	}
	if err := writeSheet(f, "Repertoire", repertoireHeader, contactRows, headerStyle); err != nil {
		return err
	}

	invRows := make([][]interface{}, 0, len(invitations))
	for _, inv := range invitations {
		invRows = append(invRows, []interface{}{
			inv.ContactPhone, string(inv.Channel), string(inv.Status), inv.SentAt.Format("2006-01-02 15:04:05"),
			inv.ReminderCount, inv.ReferralCode, yesNo(inv.NeedsReconcile),
		})
	}
	if err := writeSheet(f, "Invitations", invitationHeader, invRows, headerStyle); err != nil {
		return err
	}

	f.DeleteSheet("Sheet1")
	if idx, err := f.GetSheetIndex("Repertoire"); err == nil {
		f.SetActiveSheet(idx)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]interface{}, headerStyle int) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}
	for col, h := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
