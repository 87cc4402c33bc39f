package directory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bob-contactsync/internal/config"
	"bob-contactsync/internal/retry"

	"go.uber.org/zap"
)

type fakeContact struct {
	id     int
	doc    string
	fields wireContact
}

type fakeInvitation struct {
	id     int
	doc    string
	fields wireInvitation
}

// fakeDirectory 内存版远端通讯录服务
type fakeDirectory struct {
	mu sync.Mutex

	token        string
	attributes   bool // true: v4 attributes 包裹；false: v5 扁平
	nextID       int
	contacts     []*fakeContact
	invitations  []*fakeInvitation
	users        []map[string]interface{}
	bulkSizes    []int
	calls        map[string]int
	failStatus   map[string][]int // route -> 先返回的状态码队列
	lookupMisses int              // 前 N 次按号码查找返回空（模拟查找不一致）
	docIDUnknown bool             // 按 document id 更新/删除返回 404
	conflictCode int
	delay        time.Duration
	noPagination bool // 列表响应不带 meta.pagination
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		token:        "tok",
		nextID:       100,
		calls:        map[string]int{},
		failStatus:   map[string][]int{},
		conflictCode: http.StatusConflict,
	}
}

func (f *fakeDirectory) start(t *testing.T) (*httptest.Server, *Client) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /contacts", f.wrap("GET /contacts", f.listContacts))
	mux.HandleFunc("POST /contacts", f.wrap("POST /contacts", f.createContact))
	mux.HandleFunc("PUT /contacts/{id}", f.wrap("PUT /contacts", f.updateContact))
	mux.HandleFunc("DELETE /contacts/{id}", f.wrap("DELETE /contacts", f.deleteContact))
	mux.HandleFunc("POST /contacts/bulk-import", f.wrap("POST /contacts/bulk-import", f.bulkImport))
	mux.HandleFunc("GET /users", f.wrap("GET /users", f.listUsers))
	mux.HandleFunc("GET /invitations", f.wrap("GET /invitations", f.listInvitations))
	mux.HandleFunc("POST /invitations", f.wrap("POST /invitations", f.createInvitation))
	mux.HandleFunc("PUT /invitations/{id}", f.wrap("PUT /invitations", f.updateInvitation))
	mux.HandleFunc("DELETE /invitations/{id}", f.wrap("DELETE /invitations", f.deleteInvitation))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.DirectoryConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, BulkTimeout: 2 * time.Second}
	client := NewClient(cfg, StaticToken("tok"), retry.Default().WithAttempts(3, time.Millisecond), zap.NewNop())
	return srv, client
}

func (f *fakeDirectory) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func (f *fakeDirectory) wrap(route string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[route]++
		delay := f.delay
		var status int
		if q := f.failStatus[route]; len(q) > 0 {
			status = q[0]
			f.failStatus[route] = q[1:]
		}
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": map[string]string{"message": "Missing or invalid credentials"}})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]interface{}{"error": map[string]string{"message": "injected failure"}})
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDirectory) render(id int, doc string, fields interface{}) map[string]interface{} {
	raw, _ := json.Marshal(fields)
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	if f.attributes {
		return map[string]interface{}{"id": id, "attributes": m}
	}
	m["id"] = id
	m["documentId"] = doc
	return m
}

func (f *fakeDirectory) addContact(name, phone string) *fakeContact {
	f.nextID++
	c := &fakeContact{id: f.nextID, doc: fmt.Sprintf("doc%d", f.nextID), fields: wireContact{Name: name, Phone: phone}}
	f.contacts = append(f.contacts, c)
	return c
}

func (f *fakeDirectory) findContact(key string) (int, *fakeContact) {
	for i, c := range f.contacts {
		if (!f.docIDUnknown && c.doc == key) || strconv.Itoa(c.id) == key {
			return i, c
		}
	}
	return -1, nil
}

func (f *fakeDirectory) listContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var matches []*fakeContact
	if p := q.Get("filters[phone][$eq]"); p != "" {
		if f.lookupMisses > 0 {
			f.lookupMisses--
		} else {
			for _, c := range f.contacts {
				if c.fields.Phone == p {
					matches = append(matches, c)
				}
			}
		}
	} else {
		matches = f.contacts
	}

	page, _ := strconv.Atoi(q.Get("pagination[page]"))
	if page <= 0 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("pagination[pageSize]"))
	if size <= 0 {
		size = 25
	}
	pageCount := (len(matches) + size - 1) / size
	start := min((page-1)*size, len(matches))
	end := min(start+size, len(matches))

	data := make([]interface{}, 0, end-start)
	for _, c := range matches[start:end] {
		data = append(data, f.render(c.id, c.doc, c.fields))
	}
	if f.noPagination {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"meta": map[string]interface{}{"pagination": map[string]int{
			"page": page, "pageSize": size, "pageCount": pageCount, "total": len(matches),
		}},
	})
}

func (f *fakeDirectory) createContact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data wireContact `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]string{"message": err.Error()}})
		return
	}
	for _, c := range f.contacts {
		if c.fields.Phone == body.Data.Phone {
			writeJSON(w, f.conflictCode, map[string]interface{}{"error": map[string]string{"name": "ValidationError", "message": "This attribute must be unique"}})
			return
		}
	}
	c := f.addContact(body.Data.Name, body.Data.Phone)
	c.fields = body.Data
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": f.render(c.id, c.doc, c.fields)})
}

func (f *fakeDirectory) updateContact(w http.ResponseWriter, r *http.Request) {
	_, c := f.findContact(r.PathValue("id"))
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"message": "Not Found"}})
		return
	}
	var body struct {
		Data wireContact `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.fields = body.Data
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": f.render(c.id, c.doc, c.fields)})
}

func (f *fakeDirectory) deleteContact(w http.ResponseWriter, r *http.Request) {
	i, c := f.findContact(r.PathValue("id"))
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"message": "Not Found"}})
		return
	}
	f.contacts = append(f.contacts[:i], f.contacts[i+1:]...)
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": f.render(c.id, c.doc, c.fields)})
}

func (f *fakeDirectory) bulkImport(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": map[string]string{"message": err.Error()}})
		return
	}
	f.bulkSizes = append(f.bulkSizes, len(body.Contacts))

	created := []interface{}{}
	duplicates := []interface{}{}
	errs := []interface{}{}
	for _, in := range body.Contacts {
		if in.Phone == "" {
			errs = append(errs, map[string]string{"phone": in.Phone, "error": "phone is required"})
			continue
		}
		var existing *fakeContact
		for _, c := range f.contacts {
			if c.fields.Phone == in.Phone {
				existing = c
			}
		}
		if existing != nil {
			duplicates = append(duplicates, f.render(existing.id, existing.doc, existing.fields))
			continue
		}
		c := f.addContact(in.Name, in.Phone)
		c.fields = in
		created = append(created, f.render(c.id, c.doc, c.fields))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"created": created, "updated": []interface{}{}, "duplicates": duplicates, "errors": errs,
	})
}

func (f *fakeDirectory) listUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.users)
}

func (f *fakeDirectory) listInvitations(w http.ResponseWriter, r *http.Request) {
	data := make([]interface{}, 0, len(f.invitations))
	for _, inv := range f.invitations {
		data = append(data, f.render(inv.id, inv.doc, inv.fields))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

func (f *fakeDirectory) createInvitation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data wireInvitation `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.nextID++
	inv := &fakeInvitation{id: f.nextID, doc: fmt.Sprintf("inv%d", f.nextID), fields: body.Data}
	f.invitations = append(f.invitations, inv)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"data": f.render(inv.id, inv.doc, inv.fields)})
}

func (f *fakeDirectory) findInvitation(key string) (int, *fakeInvitation) {
	for i, inv := range f.invitations {
		if inv.doc == key || strconv.Itoa(inv.id) == key {
			return i, inv
		}
	}
	return -1, nil
}

func (f *fakeDirectory) updateInvitation(w http.ResponseWriter, r *http.Request) {
	_, inv := f.findInvitation(r.PathValue("id"))
	if inv == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"message": "Not Found"}})
		return
	}
	var body struct {
		Data wireInvitation `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	inv.fields = body.Data
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": f.render(inv.id, inv.doc, inv.fields)})
}

func (f *fakeDirectory) deleteInvitation(w http.ResponseWriter, r *http.Request) {
	i, inv := f.findInvitation(r.PathValue("id"))
	if inv == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"message": "Not Found"}})
		return
	}
	f.invitations = append(f.invitations[:i], f.invitations[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func phoneSeq(i int) string {
	return "+336" + strings.Repeat("0", 8-len(strconv.Itoa(i))) + strconv.Itoa(i)
}
